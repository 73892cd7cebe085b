package leanrepl

import "github.com/leanprover-tools/lean-repl-sdk-go/internal/errors"

// Re-export error types from the internal package.

// REPLError is the base interface for all errors produced by the SDK.
type REPLError = errors.REPLError

// StartError indicates the REPL process could not be spawned.
type StartError = errors.StartError

// FrameDecodeError indicates the REPL emitted a malformed response frame.
type FrameDecodeError = errors.FrameDecodeError

// TimeoutError indicates no complete response arrived within the bound.
type TimeoutError = errors.TimeoutError

// ProcessError indicates the REPL process exited unexpectedly.
type ProcessError = errors.ProcessError

// MemoryLimitError indicates memory stayed above thresholds through every
// allowed restart attempt.
type MemoryLimitError = errors.MemoryLimitError

// RestartExhaustedError is the terminal failure after repeated crash-retry
// cycles.
type RestartExhaustedError = errors.RestartExhaustedError

// UnknownSessionError indicates a request referenced a session id that is
// not in the cache.
type UnknownSessionError = errors.UnknownSessionError

// CacheReplayError indicates a pinned session state could not be rebuilt
// after a restart.
type CacheReplayError = errors.CacheReplayError

// Stage identifies which phase of request handling produced a failure.
type Stage = errors.Stage

// Stages reported by RestartExhaustedError.
const (
	StageDispatch = errors.StageDispatch
	StageRestart  = errors.StageRestart
	StageReplay   = errors.StageReplay
)

// Re-export sentinel errors from the internal package.
var (
	// ErrServerNotRunning indicates the REPL process is not running.
	ErrServerNotRunning = errors.ErrServerNotRunning

	// ErrServerClosed indicates the server has been shut down.
	ErrServerClosed = errors.ErrServerClosed

	// ErrTransportTainted indicates a timed-out exchange poisoned the
	// REPL's stream; the process must be restarted before further use.
	ErrTransportTainted = errors.ErrTransportTainted

	// ErrNilRequest indicates a nil request was passed to Run.
	ErrNilRequest = errors.ErrNilRequest
)
