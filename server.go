package leanrepl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/leanprover-tools/lean-repl-sdk-go/internal/config"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/errors"
)

// Server wraps one Lean REPL process without crash recovery: a process
// failure surfaces to the caller, and the ids the process minted die with
// it. Use AutoServer for transparent restart and session replay.
//
// Run may be called from any number of goroutines; requests are strictly
// serialized against the single process. A Server must not be shared across
// OS process boundaries; spawn one per process.
type Server struct {
	log  *slog.Logger
	cfg  config.Config
	opts *serverOptions

	// gate linearizes requests. A weighted semaphore rather than a plain
	// mutex so waiters can give up when their context is cancelled.
	gate *semaphore.Weighted

	newTransport transportFactory

	mu        sync.Mutex // guards transport and closed
	transport Transport
	closed    bool
}

// NewServer validates the configuration, spawns the REPL process, and
// returns a ready server. The context bounds process startup and remains
// the process's lifetime context.
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	options := applyOptions(opts)

	s := &Server{
		log:          options.logger.With("component", "lean_server"),
		cfg:          normalized,
		opts:         options,
		gate:         semaphore.NewWeighted(1),
		newTransport: newSubprocessTransport,
	}

	if err := s.startTransport(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// startTransport spawns a fresh process. Callers must hold no transport
// references across this call; the old handle, if any, is already dead.
func (s *Server) startTransport(ctx context.Context) error {
	transport := s.newTransport(s.opts.logger, s.cfg)

	if err := transport.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	return nil
}

// LeanVersion returns the configured toolchain version, if known.
func (s *Server) LeanVersion() string { return s.cfg.LeanVersion }

// Alive reports whether the REPL process is running.
func (s *Server) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.closed && s.transport != nil && s.transport.Alive()
}

// Run executes one request and returns the prover's response.
//
// A LeanError return value means the prover rejected the input; a non-nil
// error means the exchange itself failed (timeout, process death, protocol
// corruption) and the process can no longer be used.
func (s *Server) Run(ctx context.Context, req Request, opts ...RunOption) (Response, error) {
	if req == nil {
		return nil, errors.ErrNilRequest
	}

	settings := applyRunOptions(s.opts, opts)

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.gate.Release(1)

	// Without a session cache every negative parent id is unknown.
	if id, ok := req.parent(); ok && id < 0 {
		return nil, &errors.UnknownSessionError{ID: id}
	}

	transport, err := s.liveTransport()
	if err != nil {
		return nil, err
	}

	payload, err := marshalRequest(req, s.opts.defaultOptions)
	if err != nil {
		return nil, err
	}

	raw, err := transport.Send(ctx, payload, settings.timeout)
	if err != nil {
		return nil, err
	}

	return decodeResponse(req.kind(), raw)
}

// RunDict executes a raw JSON request map, bypassing the typed request
// layer. The response map is returned undecoded. Meant as an escape hatch
// for REPL commands the SDK has no types for.
func (s *Server) RunDict(ctx context.Context, req map[string]any, opts ...RunOption) (map[string]any, error) {
	if req == nil {
		return nil, errors.ErrNilRequest
	}

	settings := applyRunOptions(s.opts, opts)

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.gate.Release(1)

	transport, err := s.liveTransport()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := transport.Send(ctx, payload, settings.timeout)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.FrameDecodeError{Raw: string(raw), Err: err}
	}

	return result, nil
}

// Restart kills the process and spawns a fresh one. All ids minted by the
// old process are invalidated.
func (s *Server) Restart(ctx context.Context) error {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return errors.ErrServerClosed
	}

	s.killLocked()

	return s.startTransport(ctx)
}

// Kill terminates the REPL process without spawning a replacement. The
// server can be revived with Restart.
func (s *Server) Kill() {
	// Not gated: killing a hung process is how a caller breaks a wedged
	// request loose.
	s.killLocked()
}

// Close kills the process and marks the server unusable.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.killLocked()

	return nil
}

func (s *Server) killLocked() {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
}

func (s *Server) liveTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.ErrServerClosed
	}

	if s.transport == nil || !s.transport.Alive() {
		return nil, errors.ErrServerNotRunning
	}

	return s.transport, nil
}

// marshalRequest serializes a request, overlaying the server's default
// elaborator options on command-family requests.
func marshalRequest(req Request, defaults Options) ([]byte, error) {
	switch r := req.(type) {
	case Command:
		r.Options = mergeOptions(defaults, r.Options)
		req = r
	case FileCommand:
		r.Options = mergeOptions(defaults, r.Options)
		req = r
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return payload, nil
}

// decodeResponse maps one decoded frame to the response type of the
// request's family. A bare {"message": ...} object is a prover-level
// rejection, decoded as LeanError.
func decodeResponse(kind requestKind, raw json.RawMessage) (Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &errors.FrameDecodeError{Raw: string(raw), Err: err}
	}

	if len(probe) == 0 {
		return &LeanError{}, nil
	}

	if _, ok := probe["message"]; ok && len(probe) == 1 {
		var lean LeanError
		if err := json.Unmarshal(raw, &lean); err != nil {
			return nil, &errors.FrameDecodeError{Raw: string(raw), Err: err}
		}

		return &lean, nil
	}

	switch kind {
	case kindProofStep:
		var resp ProofStepResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &errors.FrameDecodeError{Raw: string(raw), Err: err}
		}

		return &resp, nil

	default:
		var resp CommandResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &errors.FrameDecodeError{Raw: string(raw), Err: err}
		}

		return &resp, nil
	}
}
