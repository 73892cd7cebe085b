package leanrepl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/leanprover-tools/lean-repl-sdk-go/internal/config"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/errors"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/memwatch"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/session"
)

// resourceMonitor is the sampling seam consulted between requests.
// Satisfied by memwatch.Monitor.
type resourceMonitor interface {
	Sample(ctx context.Context, pid int, startedAt time.Time) (memwatch.Sample, error)
	Breached(s memwatch.Sample) bool
}

// serverState tracks where the supervisor is in its lifecycle. Transitions
// are logged; the state itself is advisory.
type serverState int

const (
	stateIdle serverState = iota
	stateActive
	stateDegraded
	stateCrashed
	stateRestarting
)

func (s serverState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateActive:
		return "active"
	case stateDegraded:
		return "degraded"
	case stateCrashed:
		return "crashed"
	case stateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// AutoServer supervises a Lean REPL process: it serializes concurrent
// callers, restarts the process after crashes, timeouts, and memory
// breaches, and replays pinned session state into the fresh process before
// retrying the request that observed the failure.
//
// Only state pinned with WithPin survives a restart. Everything else the
// old process minted is irrecoverably lost; the caller re-issues from
// pinned ancestry.
//
// An AutoServer must not be shared across OS process boundaries. Several
// processes may point at one shared session store, each with its own
// AutoServer.
type AutoServer struct {
	log  *slog.Logger
	cfg  config.Config
	opts *serverOptions

	gate    *semaphore.Weighted
	monitor resourceMonitor
	cache   *session.Cache

	newTransport transportFactory

	mu        sync.Mutex // guards transport, state, degraded, closed
	transport Transport
	state     serverState
	degraded  bool
	closed    bool
}

// NewAutoServer validates the configuration, spawns the REPL process, and
// returns a ready supervisor. The context bounds startup and remains the
// process's lifetime context; restarts reuse it.
//
// Without options, pinned states are pickled to <WorkingDir>/session_cache
// and the cache holds at most DefaultCacheMaxEntries entries.
func NewAutoServer(ctx context.Context, cfg Config, opts ...Option) (*AutoServer, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	options := applyOptions(opts)

	store := options.sessionStore
	if store == nil {
		fileStore := session.NewFileStore(filepath.Join(normalized.WorkingDir, "session_cache"))
		options.logger.Debug("Using file-backed session store", "dir", fileStore.Dir())
		store = fileStore
	}

	s := &AutoServer{
		log:          options.logger.With("component", "auto_lean_server"),
		cfg:          normalized,
		opts:         options,
		gate:         semaphore.NewWeighted(1),
		monitor:      memwatch.New(options.logger, options.maxSystemMemory, options.maxProcessMemory, normalized.MemoryHardLimitMB),
		cache:        session.NewCache(options.logger, store, options.cacheMaxEntries, options.cacheTTL),
		newTransport: newSubprocessTransport,
	}

	if err := s.spawn(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// LeanVersion returns the configured toolchain version, if known.
func (s *AutoServer) LeanVersion() string { return s.cfg.LeanVersion }

// Alive reports whether the REPL process is currently running. A false
// return does not mean the server is unusable: the next Run restarts it.
func (s *AutoServer) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.closed && s.transport != nil && s.transport.Alive()
}

// Run executes one request, transparently restarting the REPL on crash,
// timeout, or memory exhaustion, up to the configured attempt ceiling.
//
// With WithPin, the response's minted environment or proof state is pickled
// to the session store and its id rewritten to a negative session id that
// stays valid across restarts. Replay failures after a restart are attached
// to the response as warnings, not errors.
//
// Run blocks for the duration of process I/O plus any restart and replay it
// triggers; the timeout bounds only the REPL exchange itself.
func (s *AutoServer) Run(ctx context.Context, req Request, opts ...RunOption) (Response, error) {
	if req == nil {
		return nil, errors.ErrNilRequest
	}

	settings := applyRunOptions(s.opts, opts)

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.gate.Release(1)

	if s.isClosed() {
		return nil, errors.ErrServerClosed
	}

	return s.dispatch(ctx, req, settings)
}

// dispatch is the supervisor loop. The caller holds the gate.
func (s *AutoServer) dispatch(ctx context.Context, req Request, settings runSettings) (Response, error) {
	var warnings []ReplayWarning

	attempts := 0

	for {
		// Memory thresholds are enforced here, between requests, never
		// against an exchange in flight.
		if err := s.ensureCapacity(ctx, &attempts); err != nil {
			return nil, err
		}

		replayWarnings, err := s.ensureRunning(ctx)
		warnings = append(warnings, replayWarnings...)

		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}

			attempts++
			if attempts >= s.opts.maxRestartAttempts {
				return nil, &errors.RestartExhaustedError{Attempts: attempts, Stage: restartStage(err), Err: err}
			}

			s.log.Warn("Restart failed, retrying", "attempt", attempts, "error", err)

			continue
		}

		// Session ids resolve against the current process instance, so
		// resolution must rerun on every attempt.
		resolved, err := s.resolveParent(ctx, req)
		if err != nil {
			return nil, err
		}

		payload, err := marshalRequest(resolved, s.opts.defaultOptions)
		if err != nil {
			return nil, err
		}

		transport, err := s.liveTransport()
		if err != nil {
			return nil, err
		}

		s.setState(stateActive)

		raw, sendErr := transport.Send(ctx, payload, settings.timeout)

		var resp Response

		if sendErr == nil {
			resp, sendErr = decodeResponse(req.kind(), raw)
		}

		if sendErr != nil {
			if !recoverable(sendErr) {
				return nil, sendErr
			}

			s.setState(stateCrashed)
			s.killTransport()

			attempts++
			if attempts >= s.opts.maxRestartAttempts {
				return nil, &errors.RestartExhaustedError{Attempts: attempts, Stage: errors.StageDispatch, Err: sendErr}
			}

			s.log.Warn("REPL exchange failed, restarting",
				"attempt", attempts, "max_attempts", s.opts.maxRestartAttempts, "error", sendErr)

			continue
		}

		if settings.pin {
			if err := s.pin(ctx, req, resp, payload, transport, settings.timeout); err != nil {
				return nil, err
			}
		}

		s.sampleAfterResponse(ctx)
		s.setState(stateIdle)

		attachWarnings(resp, warnings)

		return resp, nil
	}
}

// ensureCapacity blocks until memory is below thresholds, killing the REPL
// and backing off exponentially while it is not. Consumes restart attempts
// from the shared budget.
func (s *AutoServer) ensureCapacity(ctx context.Context, attempts *int) error {
	for {
		s.mu.Lock()
		degraded := s.degraded
		s.degraded = false
		transport := s.transport
		s.mu.Unlock()

		if degraded {
			// Soft trigger observed after the previous response; pay the
			// restart before this dispatch.
			s.setState(stateDegraded)
			s.log.Info("Deferred restart: memory breach observed after previous request")
			s.killTransport()

			transport = nil
		}

		pid := 0
		startedAt := time.Time{}

		if transport != nil && transport.Alive() {
			pid = transport.Pid()
			startedAt = transport.StartedAt()
		}

		sample, err := s.monitor.Sample(ctx, pid, startedAt)
		if err != nil {
			// Sampling trouble is not a reason to refuse service.
			s.log.Warn("Memory sampling failed", "error", err)

			return nil
		}

		if !s.monitor.Breached(sample) {
			return nil
		}

		s.killTransport()

		if *attempts >= s.opts.maxRestartAttempts {
			return &errors.MemoryLimitError{Attempts: *attempts}
		}

		backoff := time.Duration(1<<*attempts) * time.Second
		*attempts++

		s.log.Info("Memory usage too high, backing off before restart",
			"attempt", *attempts, "backoff", backoff,
			"system_fraction", sample.SystemFraction, "process_fraction", sample.ProcessFraction)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ensureRunning spawns a fresh process if the current one is dead, tainted,
// or gone, and replays pinned session state into it.
func (s *AutoServer) ensureRunning(ctx context.Context) ([]ReplayWarning, error) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if transport != nil && transport.Alive() && !transport.Tainted() {
		return nil, nil
	}

	s.setState(stateRestarting)

	if transport != nil {
		_ = transport.Close()
	}

	if err := s.spawn(ctx); err != nil {
		return nil, err
	}

	warnings, err := s.replay(ctx)
	if err != nil {
		return warnings, err
	}

	s.setState(stateIdle)

	return warnings, nil
}

// replay rebuilds every pinned state in creation order. States that fail to
// unpickle are dropped and reported as warnings; a transport-level failure
// aborts the replay (the new process is already gone).
func (s *AutoServer) replay(ctx context.Context) ([]ReplayWarning, error) {
	states := s.cache.List(ctx)
	if len(states) == 0 {
		return nil, nil
	}

	transport, err := s.liveTransport()
	if err != nil {
		return nil, err
	}

	s.log.Info("Replaying pinned session states", "count", len(states))

	var warnings []ReplayWarning

	for _, st := range states {
		warning, err := s.replayOne(ctx, transport, st)
		if err != nil {
			return warnings, err
		}

		if warning != nil {
			warnings = append(warnings, *warning)
			s.cache.Remove(ctx, st.ID)
		}
	}

	return warnings, nil
}

func (s *AutoServer) replayOne(ctx context.Context, transport Transport, st *session.State) (*ReplayWarning, error) {
	path, err := s.cache.Store().Restore(ctx, st.Key)
	if err != nil {
		s.log.Warn("Session artifact unavailable, dropping state", "session_id", st.ID, "error", err)

		return &ReplayWarning{SessionID: st.ID, Key: st.Key, Reason: err.Error()}, nil
	}

	var req Request
	if st.IsProofState {
		req = UnpickleProofState{UnpickleProofStateFrom: path}
	} else {
		req = UnpickleEnvironment{UnpickleEnvFrom: path}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal replay request: %w", err)
	}

	raw, err := transport.Send(ctx, payload, s.opts.defaultTimeout)
	if err != nil {
		return nil, &errors.CacheReplayError{ID: st.ID, Key: st.Key, Err: err}
	}

	resp, err := decodeResponse(req.kind(), raw)
	if err != nil {
		return nil, &errors.CacheReplayError{ID: st.ID, Key: st.Key, Err: err}
	}

	if lean, ok := resp.(*LeanError); ok {
		s.log.Warn("Session state failed to replay, dropping",
			"session_id", st.ID, "message", lean.Message)

		return &ReplayWarning{SessionID: st.ID, Key: st.Key, Reason: lean.Message}, nil
	}

	replID, ok := mintedID(resp)
	if !ok {
		return &ReplayWarning{SessionID: st.ID, Key: st.Key, Reason: "replay response carried no id"}, nil
	}

	s.cache.SetREPLID(st.ID, replID)
	s.log.Debug("Replayed session state", "session_id", st.ID, "repl_id", replID)

	return nil, nil
}

// resolveParent swaps a negative (session) parent id for the id the state
// has in the live process. Unknown session ids are caller errors, surfaced
// immediately and never retried.
func (s *AutoServer) resolveParent(ctx context.Context, req Request) (Request, error) {
	id, ok := req.parent()
	if !ok || id >= 0 {
		return req, nil
	}

	st, found := s.cache.Get(ctx, id)
	if !found {
		return nil, &errors.UnknownSessionError{ID: id}
	}

	return req.withParent(st.REPLID), nil
}

// pin pickles the response's minted id to the session store and rewrites
// the id to the cache's stable negative id.
func (s *AutoServer) pin(
	ctx context.Context,
	req Request,
	resp Response,
	reqPayload []byte,
	transport Transport,
	timeout time.Duration,
) error {
	minted, ok := mintedID(resp)
	if !ok {
		// Prover rejected the input; there is nothing to pin.
		return nil
	}

	isProofState := req.kind() == kindProofStep
	key := ulid.Make().String()

	path, err := s.cache.Store().PreparePath(key)
	if err != nil {
		return fmt.Errorf("pin session state: %w", err)
	}

	var pickleReq Request
	if isProofState {
		pickleReq = PickleProofState{ProofState: minted, PickleTo: path}
	} else {
		pickleReq = PickleEnvironment{Env: minted, PickleTo: path}
	}

	payload, err := json.Marshal(pickleReq)
	if err != nil {
		return fmt.Errorf("pin session state: %w", err)
	}

	raw, err := transport.Send(ctx, payload, timeout)
	if err != nil {
		return fmt.Errorf("pin session state: %w", err)
	}

	pickleResp, err := decodeResponse(pickleReq.kind(), raw)
	if err != nil {
		return fmt.Errorf("pin session state: %w", err)
	}

	if lean, ok := pickleResp.(*LeanError); ok {
		return fmt.Errorf("pin session state: prover error: %s", lean.Message)
	}

	size, err := s.cache.Store().Commit(ctx, key, path)
	if err != nil {
		return fmt.Errorf("pin session state: %w", err)
	}

	digest := sha256.Sum256(reqPayload)

	st := s.cache.Add(ctx, key, minted, isProofState, hex.EncodeToString(digest[:]), size)
	rewriteMintedID(resp, st.ID)

	s.log.Info("Pinned session state",
		"session_id", st.ID, "repl_id", minted, "proof_state", isProofState, "bytes", size)

	return nil
}

// sampleAfterResponse checks memory after a successful exchange. A breach
// schedules a restart before the next dispatch rather than acting now.
func (s *AutoServer) sampleAfterResponse(ctx context.Context) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	pid := 0
	startedAt := time.Time{}

	if transport != nil && transport.Alive() {
		pid = transport.Pid()
		startedAt = transport.StartedAt()
	}

	sample, err := s.monitor.Sample(ctx, pid, startedAt)
	if err != nil {
		s.log.Warn("Memory sampling failed", "error", err)

		return
	}

	if s.monitor.Breached(sample) {
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()

		s.log.Info("Memory breach after response, restart scheduled before next dispatch")
	}
}

// RemoveFromSessionCache drops one pinned state and its artifact.
func (s *AutoServer) RemoveFromSessionCache(ctx context.Context, sessionID int64) {
	s.cache.Remove(ctx, sessionID)
}

// ClearSessionCache drops all pinned states. With force, the REPL is also
// restarted immediately, discarding every live id; otherwise the memory
// held by already-replayed states is reclaimed at the next restart.
func (s *AutoServer) ClearSessionCache(ctx context.Context, force bool) error {
	s.cache.Clear(ctx)

	if force {
		return s.Restart(ctx)
	}

	return nil
}

// SessionStates lists the pinned states in creation order.
func (s *AutoServer) SessionStates(ctx context.Context) []*SessionState {
	return s.cache.List(ctx)
}

// Restart kills the process, spawns a fresh one, and replays pinned state.
// Replay warnings are logged and the affected states dropped.
func (s *AutoServer) Restart(ctx context.Context) error {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)

	if s.isClosed() {
		return errors.ErrServerClosed
	}

	s.killTransport()

	_, err := s.ensureRunning(ctx)

	return err
}

// Kill terminates the REPL process without spawning a replacement. The next
// Run restarts it. Not gated, so a caller can break a wedged request loose.
func (s *AutoServer) Kill() {
	s.setState(stateCrashed)
	s.killTransport()
}

// Close kills the process, removes this instance's session artifacts, and
// marks the server unusable.
func (s *AutoServer) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	s.mu.Unlock()

	s.killTransport()
	s.cache.Clear(context.Background())

	return s.cache.Store().Close()
}

func (s *AutoServer) spawn(ctx context.Context) error {
	transport := s.newTransport(s.opts.logger, s.cfg)

	if err := transport.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	return nil
}

func (s *AutoServer) killTransport() {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
}

func (s *AutoServer) liveTransport() (Transport, error) {
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

func (s *AutoServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *AutoServer) setState(next serverState) {
	s.mu.Lock()

	if s.state != next {
		s.log.Debug("State transition", "from", s.state.String(), "to", next.String())
		s.state = next
	}

	s.mu.Unlock()
}

// recoverable reports whether a dispatch failure warrants a restart and
// retry: timeouts taint the stream, process exits and malformed frames mean
// the process is unusable. Context cancellation and caller errors are not
// retried.
func recoverable(err error) bool {
	var (
		timeoutErr *errors.TimeoutError
		procErr    *errors.ProcessError
		frameErr   *errors.FrameDecodeError
	)

	if stderrors.As(err, &timeoutErr) || stderrors.As(err, &procErr) || stderrors.As(err, &frameErr) {
		return true
	}

	return stderrors.Is(err, errors.ErrTransportTainted) || stderrors.Is(err, errors.ErrServerNotRunning)
}

// restartStage classifies a restart-path failure for error reporting.
func restartStage(err error) errors.Stage {
	var replayErr *errors.CacheReplayError
	if stderrors.As(err, &replayErr) {
		return errors.StageReplay
	}

	return errors.StageRestart
}
