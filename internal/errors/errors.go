package errors

import (
	"errors"
	"fmt"
	"time"
)

// REPLError is the base interface for all errors produced by the SDK.
type REPLError interface {
	error
	IsREPLError() bool
}

// Compile-time verification that all error types implement REPLError.
var (
	_ REPLError = (*StartError)(nil)
	_ REPLError = (*FrameDecodeError)(nil)
	_ REPLError = (*TimeoutError)(nil)
	_ REPLError = (*ProcessError)(nil)
	_ REPLError = (*MemoryLimitError)(nil)
	_ REPLError = (*RestartExhaustedError)(nil)
	_ REPLError = (*UnknownSessionError)(nil)
	_ REPLError = (*CacheReplayError)(nil)
)

// Stage identifies which phase of request handling produced a failure, so
// callers can tell a rejected input apart from infrastructure trouble.
type Stage string

const (
	// StageDispatch covers the initial write/read exchange with the REPL.
	StageDispatch Stage = "dispatch"
	// StageRestart covers tearing down and respawning the REPL process.
	StageRestart Stage = "restart"
	// StageReplay covers rebuilding pinned session state after a restart.
	StageReplay Stage = "replay"
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrServerNotRunning indicates the REPL process is not running.
	ErrServerNotRunning = errors.New("lean server not running")

	// ErrServerClosed indicates the server has been shut down and cannot be reused.
	ErrServerClosed = errors.New("lean server closed: create a new one with NewServer()")

	// ErrTransportTainted indicates a previous timeout left undrained output on
	// the pipe; the process must be discarded, not reused.
	ErrTransportTainted = errors.New("transport tainted by a timed-out request")

	// ErrNilRequest indicates a nil request was passed to Run.
	ErrNilRequest = errors.New("nil request")
)

// StartError indicates the REPL process could not be spawned.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start lean REPL: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// IsREPLError implements REPLError.
func (e *StartError) IsREPLError() bool { return true }

// FrameDecodeError indicates the REPL emitted a frame that is not valid JSON.
// This is fatal to the current process. The raw frame is preserved for
// diagnostics.
type FrameDecodeError struct {
	Raw string
	Err error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("failed to decode REPL frame: %v", e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// IsREPLError implements REPLError.
func (e *FrameDecodeError) IsREPLError() bool { return true }

// TimeoutError indicates no complete response arrived within the bound.
// The owning process is tainted and must be restarted before the next
// dispatch.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lean REPL did not respond within %s", e.Timeout)
}

// IsREPLError implements REPLError.
func (e *TimeoutError) IsREPLError() bool { return true }

// ProcessError indicates the REPL process exited unexpectedly.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("lean REPL process terminated (exit %d): %s", e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("lean REPL process terminated (exit %d): %v", e.ExitCode, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// IsREPLError implements REPLError.
func (e *ProcessError) IsREPLError() bool { return true }

// MemoryLimitError indicates memory stayed above the configured thresholds
// through every allowed restart attempt.
type MemoryLimitError struct {
	Attempts int
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("memory usage too high after %d restart attempts", e.Attempts)
}

// IsREPLError implements REPLError.
func (e *MemoryLimitError) IsREPLError() bool { return true }

// RestartExhaustedError is the terminal failure after repeated crash-retry
// cycles. It wraps the failure from the final attempt and records the stage
// that produced it.
type RestartExhaustedError struct {
	Attempts int
	Stage    Stage
	Err      error
}

func (e *RestartExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts (stage %s): %v", e.Attempts, e.Stage, e.Err)
}

func (e *RestartExhaustedError) Unwrap() error { return e.Err }

// IsREPLError implements REPLError.
func (e *RestartExhaustedError) IsREPLError() bool { return true }

// UnknownSessionError indicates a request referenced a session-cache id that
// is not (or no longer) present. Surfaced immediately, never retried.
type UnknownSessionError struct {
	ID int64
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown session state id %d: not in the session cache", e.ID)
}

// IsREPLError implements REPLError.
func (e *UnknownSessionError) IsREPLError() bool { return true }

// CacheReplayError reports a pinned state that could not be rebuilt after a
// restart. It is attached to the eventual response as a warning, not a
// failure; the state is dropped from the cache.
type CacheReplayError struct {
	ID  int64
	Key string
	Err error
}

func (e *CacheReplayError) Error() string {
	return fmt.Sprintf("failed to replay session state %d (%s): %v", e.ID, e.Key, e.Err)
}

func (e *CacheReplayError) Unwrap() error { return e.Err }

// IsREPLError implements REPLError.
func (e *CacheReplayError) IsREPLError() bool { return true }
