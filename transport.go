package leanrepl

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/leanprover-tools/lean-repl-sdk-go/internal/config"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/subprocess"
)

// Transport is the framed exchange against one REPL process instance.
//
// Satisfied by the subprocess transport; the seam exists so tests can run
// the supervisor against simulated processes.
type Transport interface {
	// Start spawns the process.
	Start(ctx context.Context) error

	// Send writes one request and reads exactly one decoded response
	// frame. It fails only for transport-level conditions; prover-level
	// errors are successful decodes.
	Send(ctx context.Context, payload []byte, timeout time.Duration) (json.RawMessage, error)

	// Alive reports whether the process is running.
	Alive() bool

	// Tainted reports whether a timed-out request has poisoned the stream.
	Tainted() bool

	// Pid returns the process id, or zero before Start.
	Pid() int

	// StartedAt returns when the process was spawned.
	StartedAt() time.Time

	// Close kills and reaps the process. A closed transport is never
	// reused.
	Close() error
}

// transportFactory builds the Transport for one process instance. Each
// restart gets a fresh one.
type transportFactory func(log *slog.Logger, cfg config.Config) Transport

func newSubprocessTransport(log *slog.Logger, cfg config.Config) Transport {
	return subprocess.New(log, cfg)
}
