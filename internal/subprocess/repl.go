// Package subprocess owns the Lean REPL process and its pipes.
//
// One REPLTransport wraps exactly one process instance. A transport that
// times out is tainted and must be discarded: the stream may still carry the
// response to the abandoned request, and there is no way to resynchronize
// frame boundaries.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/leanprover-tools/lean-repl-sdk-go/internal/config"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/errors"
)

const (
	// maxScanTokenSize is the maximum buffer size for a single REPL output line.
	maxScanTokenSize = 16 * 1024 * 1024 // 16MB, info trees get large
	// maxStderrBufferSize caps the retained stderr tail used for error reporting.
	maxStderrBufferSize = 64 * 1024
)

// frame is one complete response unit read from the REPL: all output lines
// up to the blank-line terminator.
type frame struct {
	data []byte
}

// REPLTransport frames requests and responses over a Lean REPL subprocess.
//
// Exactly one request may be in flight at a time; Send is guarded by a
// mutex, but callers are expected to serialize above this layer as well.
type REPLTransport struct {
	log *slog.Logger
	cfg config.Config

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time

	frames chan frame
	errs   chan error
	done   chan struct{}
	wg     sync.WaitGroup

	stderrWg   sync.WaitGroup
	stderrMu   sync.Mutex
	stderrTail []byte

	mu      sync.Mutex // guards stdin writes, tainted, closing, exited
	tainted bool
	closing bool
	exited  bool // set once the process has been reaped
}

// New creates a transport for the given configuration. The process is not
// spawned until Start.
func New(log *slog.Logger, cfg config.Config) *REPLTransport {
	return &REPLTransport{
		log: log.With("component", "repl_transport"),
		cfg: cfg,
	}
}

// Start spawns the REPL process and wires its pipes.
//
// The REPL is launched through `lake env` so it sees the project's Lean
// toolchain and dependencies. When a memory hard limit is configured the
// command is wrapped in a shell that applies ulimit before exec.
func (t *REPLTransport) Start(ctx context.Context) error {
	t.log.Info("Starting Lean REPL subprocess", "repl", t.cfg.ReplPath, "dir", t.cfg.WorkingDir)

	argv := t.commandLine()

	//nolint:gosec // G204: spawning a user-configured binary is the point
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.cfg.WorkingDir
	cmd.Env = t.cfg.Environment()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errors.StartError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.StartError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &errors.StartError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &errors.StartError{Err: fmt.Errorf("start process: %w", err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.startedAt = time.Now()
	t.frames = make(chan frame)
	t.errs = make(chan error, 1)
	t.done = make(chan struct{})

	t.stderrWg.Go(func() { t.collectStderr(stderr) })
	t.wg.Go(func() { t.readFrames(stdout) })

	t.log.Info("Lean REPL subprocess started", "pid", cmd.Process.Pid)

	return nil
}

// commandLine builds the argv used to launch the REPL.
func (t *REPLTransport) commandLine() []string {
	if t.cfg.MemoryHardLimitMB > 0 {
		script := fmt.Sprintf(
			"ulimit -v %d; exec %q env %q",
			t.cfg.MemoryHardLimitMB*1024, t.cfg.LakePath, t.cfg.ReplPath,
		)

		return []string{"/bin/sh", "-c", script}
	}

	return []string{t.cfg.LakePath, "env", t.cfg.ReplPath}
}

// collectStderr drains the stderr pipe, retaining a bounded tail for error
// reporting. The process kill in Close unblocks the read.
func (t *REPLTransport) collectStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Bytes()

		t.stderrMu.Lock()

		if len(t.stderrTail) > 0 {
			t.stderrTail = append(t.stderrTail, '\n')
		}

		t.stderrTail = append(t.stderrTail, line...)
		if overflow := len(t.stderrTail) - maxStderrBufferSize; overflow > 0 {
			t.stderrTail = t.stderrTail[overflow:]
		}

		t.stderrMu.Unlock()
	}
}

// readFrames accumulates stdout lines into blank-line-terminated frames and
// delivers them to Send. On EOF it reaps the process and reports its fate.
func (t *REPLTransport) readFrames(stdout io.Reader) {
	defer close(t.frames)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	var pending bytes.Buffer

	for scanner.Scan() {
		line := scanner.Bytes()

		if len(bytes.TrimSpace(line)) == 0 {
			if pending.Len() == 0 {
				// Blank line before any content is banner noise.
				continue
			}

			data := make([]byte, pending.Len())
			copy(data, pending.Bytes())
			pending.Reset()

			select {
			case t.frames <- frame{data: data}:
			case <-t.done:
				return
			}

			continue
		}

		pending.Write(line)
		pending.WriteByte('\n')
	}

	if err := scanner.Err(); err != nil {
		t.log.Debug("Stdout scanner error", "error", err)
	}

	// EOF: the process is gone or closing. Stderr reads must finish before
	// Wait closes the pipes.
	t.stderrWg.Wait()

	waitErr := t.cmd.Wait()

	t.mu.Lock()
	t.exited = true
	closing := t.closing
	t.mu.Unlock()

	if closing {
		t.log.Debug("REPL process reaped during shutdown")

		return
	}

	exitCode := -1
	if exitErr, ok := stderrors.AsType[*exec.ExitError](waitErr); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr == nil {
		exitCode = 0
	}

	stderrOut := t.StderrTail()
	t.log.Error("Lean REPL process exited unexpectedly", "exit_code", exitCode, "stderr", stderrOut)

	t.errs <- &errors.ProcessError{
		ExitCode: exitCode,
		Stderr:   stderrOut,
		Err:      waitErr,
	}
}

// Send writes one request and reads exactly one decoded response frame.
//
// A timeout of zero waits indefinitely. On timeout or context cancellation
// the transport becomes tainted: the pending response can no longer be told
// apart from the next one, so the process must be discarded.
//
// Prover-level errors are normal decodes; Send fails only for
// transport-level conditions.
func (t *REPLTransport) Send(ctx context.Context, payload []byte, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()

	if t.cmd == nil {
		t.mu.Unlock()

		return nil, errors.ErrServerNotRunning
	}

	if t.tainted {
		t.mu.Unlock()

		return nil, errors.ErrTransportTainted
	}

	t.log.Debug("Sending REPL request", "bytes", len(payload))

	// One write per request: payload plus the blank-line terminator.
	framed := make([]byte, 0, len(payload)+2)
	framed = append(framed, payload...)
	framed = append(framed, '\n', '\n')

	_, err := t.stdin.Write(framed)
	t.mu.Unlock()

	if err != nil {
		return nil, &errors.ProcessError{ExitCode: -1, Stderr: t.StderrTail(), Err: fmt.Errorf("write request: %w", err)}
	}

	var timeoutCh <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		timeoutCh = timer.C
	}

	select {
	case f, ok := <-t.frames:
		if !ok {
			// Reader closed without a frame. The crash cause is delivered
			// through errs exactly once, before the frames channel closes;
			// once consumed, the dead transport fails fast.
			select {
			case procErr := <-t.errs:
				return nil, procErr
			case <-t.done:
				return nil, errors.ErrServerClosed
			default:
				return nil, errors.ErrServerNotRunning
			}
		}

		return decodeFrame(f.data)

	case procErr := <-t.errs:
		return nil, procErr

	case <-timeoutCh:
		t.taint()
		t.log.Warn("REPL request timed out", "timeout", timeout)

		return nil, &errors.TimeoutError{Timeout: timeout}

	case <-ctx.Done():
		t.taint()

		return nil, ctx.Err()
	}
}

// decodeFrame strips banner noise before the first '{' and validates the
// remainder as a single JSON object.
func decodeFrame(data []byte) (json.RawMessage, error) {
	idx := bytes.IndexByte(data, '{')
	if idx < 0 {
		return nil, &errors.FrameDecodeError{
			Raw: string(data),
			Err: fmt.Errorf("no JSON object in frame"),
		}
	}

	trimmed := bytes.TrimSpace(data[idx:])

	if !json.Valid(trimmed) {
		return nil, &errors.FrameDecodeError{
			Raw: string(data),
			Err: fmt.Errorf("invalid JSON"),
		}
	}

	return json.RawMessage(trimmed), nil
}

// taint marks the transport unusable. Later Sends fail fast with
// ErrTransportTainted.
func (t *REPLTransport) taint() {
	t.mu.Lock()
	t.tainted = true
	t.mu.Unlock()
}

// Tainted reports whether a timed-out or cancelled request has poisoned the
// stream.
func (t *REPLTransport) Tainted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tainted
}

// Alive reports whether the process has been started and not yet reaped.
func (t *REPLTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil || t.cmd.Process == nil {
		return false
	}

	// The reader goroutine sets exited once Wait has reaped the process;
	// cmd.ProcessState itself is written by Wait without our lock.
	return !t.exited
}

// Pid returns the process id, or zero before Start.
func (t *REPLTransport) Pid() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}

	return t.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (t *REPLTransport) StartedAt() time.Time {
	return t.startedAt
}

// StderrTail returns the retained tail of the process's stderr output.
func (t *REPLTransport) StderrTail() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()

	return strings.TrimSpace(string(t.stderrTail))
}

// Close kills the process and reaps it. Safe to call multiple times and on
// a never-started transport. A closed transport is never reused; restart
// means a fresh REPLTransport.
func (t *REPLTransport) Close() error {
	t.mu.Lock()

	if t.closing {
		t.mu.Unlock()

		return nil
	}

	t.closing = true
	t.tainted = true

	if t.done != nil {
		close(t.done)
	}

	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		t.log.Debug("Killing REPL process", "pid", cmd.Process.Pid)

		if err := cmd.Process.Kill(); err != nil && !stderrors.Is(err, io.EOF) {
			// Already-exited processes report an error here; the reader
			// goroutine reaps either way.
			t.log.Debug("Kill returned error", "error", err)
		}
	}

	t.wg.Wait()
	t.stderrWg.Wait()

	// Reap if the reader goroutine exited before it could.
	t.mu.Lock()
	exited := t.exited
	t.mu.Unlock()

	if cmd != nil && cmd.Process != nil && !exited {
		_ = cmd.Wait()

		t.mu.Lock()
		t.exited = true
		t.mu.Unlock()
	}

	return nil
}
