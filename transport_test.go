package leanrepl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/leanprover-tools/lean-repl-sdk-go/internal/config"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/errors"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/memwatch"
	"github.com/leanprover-tools/lean-repl-sdk-go/internal/session"
)

// fakeProver simulates a fleet of REPL process instances. Each transport the
// factory hands out is one "process" with its own environment and proof
// state numbering, so restarts genuinely invalidate ids the way a real
// process exit does. Pickling writes real files, which lets the session
// store round-trip exercise the same paths production takes.
type fakeProver struct {
	mu             sync.Mutex
	procs          []*fakeProc
	failStarts     int
	failAllSends   *sendFailure
	rejectUnpickle bool
	overlap        atomic.Bool
}

// sendFailure scripts one transport-level Send failure.
type sendFailure struct {
	err   error
	kill  bool
	taint bool
}

func (f *fakeProver) factory(_ *slog.Logger, _ config.Config) Transport {
	return &fakeProc{
		prover: f,
		envs:   make(map[int64]string),
		proofs: make(map[int64]string),
	}
}

func (f *fakeProver) instances() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.procs)
}

func (f *fakeProver) current() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.procs[len(f.procs)-1]
}

func (f *fakeProver) totalSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, p := range f.procs {
		total += p.sends
	}

	return total
}

type fakeProc struct {
	prover *fakeProver

	inFlight atomic.Int32

	mu        sync.Mutex
	alive     bool
	tainted   bool
	pid       int
	startedAt time.Time

	nextEnv   int64
	nextProof int64
	envs      map[int64]string
	proofs    map[int64]string

	sends    int
	failNext []sendFailure

	// payloads records every request this process received, in order.
	payloads [][]byte
}

var _ Transport = (*fakeProc)(nil)

func (p *fakeProc) Start(context.Context) error {
	p.prover.mu.Lock()
	defer p.prover.mu.Unlock()

	if p.prover.failStarts > 0 {
		p.prover.failStarts--

		return fmt.Errorf("spawn repl: executable vanished")
	}

	p.mu.Lock()
	p.alive = true
	p.startedAt = time.Now()
	p.pid = 1000 + len(p.prover.procs)
	p.mu.Unlock()

	p.prover.procs = append(p.prover.procs, p)

	return nil
}

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.alive
}

func (p *fakeProc) Tainted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tainted
}

func (p *fakeProc) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pid
}

func (p *fakeProc) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.startedAt
}

func (p *fakeProc) Close() error {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()

	return nil
}

// kill simulates the process dying out from under the server.
func (p *fakeProc) kill() {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
}

func (p *fakeProc) queueFailure(f sendFailure) {
	p.mu.Lock()
	p.failNext = append(p.failNext, f)
	p.mu.Unlock()
}

func (p *fakeProc) Send(_ context.Context, payload []byte, _ time.Duration) (json.RawMessage, error) {
	if !p.inFlight.CompareAndSwap(0, 1) {
		p.prover.overlap.Store(true)
	}
	defer p.inFlight.Store(0)

	time.Sleep(time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sends++
	p.payloads = append(p.payloads, append([]byte(nil), payload...))

	if !p.alive {
		return nil, errors.ErrServerNotRunning
	}

	if p.tainted {
		return nil, errors.ErrTransportTainted
	}

	p.prover.mu.Lock()
	scripted := p.prover.failAllSends
	p.prover.mu.Unlock()

	if scripted == nil && len(p.failNext) > 0 {
		f := p.failNext[0]
		p.failNext = p.failNext[1:]
		scripted = &f
	}

	if scripted != nil {
		if scripted.kill {
			p.alive = false
		}

		if scripted.taint {
			p.tainted = true
		}

		return nil, scripted.err
	}

	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("fake prover: bad payload: %w", err)
	}

	return p.handle(req)
}

func (p *fakeProc) handle(req map[string]any) (json.RawMessage, error) {
	switch {
	case req["unpickleEnvFrom"] != nil:
		return p.unpickle(req["unpickleEnvFrom"].(string), false)

	case req["unpickleProofStateFrom"] != nil:
		return p.unpickle(req["unpickleProofStateFrom"].(string), true)

	case req["pickleTo"] != nil:
		return p.pickle(req)

	case req["tactic"] != nil:
		return p.proofStep(req)

	case req["cmd"] != nil:
		return p.command(req["cmd"].(string), req)

	case req["path"] != nil:
		return p.command("file:"+req["path"].(string), req)

	default:
		return leanErrorFrame("unrecognized request")
	}
}

func (p *fakeProc) command(cmd string, req map[string]any) (json.RawMessage, error) {
	base := ""

	if env, ok := req["env"]; ok {
		content, known := p.envs[int64(env.(float64))]
		if !known {
			return leanErrorFrame("unknown environment")
		}

		base = content + "\n"
	}

	id := p.nextEnv
	p.nextEnv++
	p.envs[id] = base + cmd

	resp := map[string]any{"env": id}

	if strings.Contains(cmd, "sorry") {
		proofID := p.nextProof
		p.nextProof++
		p.proofs[proofID] = "⊢ goal"

		resp["sorries"] = []map[string]any{{
			"pos":        map[string]int{"line": 1, "column": 0},
			"goal":       "⊢ goal",
			"proofState": proofID,
		}}
	}

	return json.Marshal(resp)
}

func (p *fakeProc) proofStep(req map[string]any) (json.RawMessage, error) {
	id := int64(req["proofState"].(float64))

	goal, known := p.proofs[id]
	if !known {
		return leanErrorFrame("unknown proof state")
	}

	next := p.nextProof
	p.nextProof++
	p.proofs[next] = goal + "; " + req["tactic"].(string)

	return json.Marshal(map[string]any{
		"proofState":  next,
		"goals":       []string{},
		"proofStatus": "Completed",
	})
}

func (p *fakeProc) pickle(req map[string]any) (json.RawMessage, error) {
	path := req["pickleTo"].(string)

	if ps, ok := req["proofState"]; ok {
		id := int64(ps.(float64))

		goal, known := p.proofs[id]
		if !known {
			return leanErrorFrame("unknown proof state")
		}

		if err := os.WriteFile(path, []byte(goal), 0o644); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]any{"proofState": id})
	}

	id := int64(req["env"].(float64))

	content, known := p.envs[id]
	if !known {
		return leanErrorFrame("unknown environment")
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{"env": id})
}

func (p *fakeProc) unpickle(path string, proofState bool) (json.RawMessage, error) {
	p.prover.mu.Lock()
	reject := p.prover.rejectUnpickle
	p.prover.mu.Unlock()

	if reject {
		return leanErrorFrame("invalid pickle file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return leanErrorFrame("could not read pickle file")
	}

	if proofState {
		id := p.nextProof
		p.nextProof++
		p.proofs[id] = string(data)

		return json.Marshal(map[string]any{"proofState": id, "goals": []string{string(data)}})
	}

	id := p.nextEnv
	p.nextEnv++
	p.envs[id] = string(data)

	return json.Marshal(map[string]any{"env": id})
}

func leanErrorFrame(msg string) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"message": msg})
}

// nopMonitor never reports a breach.
type nopMonitor struct{}

func (nopMonitor) Sample(context.Context, int, time.Time) (memwatch.Sample, error) {
	return memwatch.Sample{}, nil
}

func (nopMonitor) Breached(memwatch.Sample) bool { return false }

// scriptedMonitor breaches on the Sample calls named in breachOn, counting
// from one. Sample and Breached are always called back to back under the
// request gate, so latching the decision between them is safe.
type scriptedMonitor struct {
	mu       sync.Mutex
	calls    int
	breachOn map[int]bool
	breach   bool
}

func (m *scriptedMonitor) Sample(context.Context, int, time.Time) (memwatch.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.breach = m.breachOn[m.calls]

	return memwatch.Sample{}, nil
}

func (m *scriptedMonitor) Breached(memwatch.Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.breach
}

// alwaysBreach reports every sample as over threshold.
type alwaysBreach struct{}

func (alwaysBreach) Sample(context.Context, int, time.Time) (memwatch.Sample, error) {
	return memwatch.Sample{SystemFraction: 0.99}, nil
}

func (alwaysBreach) Breached(memwatch.Sample) bool { return true }

// newTestAutoServer wires an AutoServer to the fake prover, bypassing the
// subprocess transport.
func newTestAutoServer(t *testing.T, prover *fakeProver, mon resourceMonitor, opts ...Option) *AutoServer {
	t.Helper()

	dir := t.TempDir()

	options := applyOptions(opts)
	if options.sessionStore == nil {
		options.sessionStore = session.NewFileStore(filepath.Join(dir, "session_cache"))
	}

	if mon == nil {
		mon = nopMonitor{}
	}

	s := &AutoServer{
		log:          options.logger.With("component", "auto_lean_server"),
		cfg:          config.Config{ReplPath: "repl", LakePath: "lake", WorkingDir: dir},
		opts:         options,
		gate:         semaphore.NewWeighted(1),
		monitor:      mon,
		cache:        session.NewCache(options.logger, options.sessionStore, options.cacheMaxEntries, options.cacheTTL),
		newTransport: prover.factory,
	}

	require.NoError(t, s.spawn(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// newTestServer wires a plain Server to the fake prover.
func newTestServer(t *testing.T, prover *fakeProver, opts ...Option) *Server {
	t.Helper()

	options := applyOptions(opts)

	s := &Server{
		log:          options.logger.With("component", "lean_server"),
		cfg:          config.Config{ReplPath: "repl", LakePath: "lake", WorkingDir: t.TempDir()},
		opts:         options,
		gate:         semaphore.NewWeighted(1),
		newTransport: prover.factory,
	}

	require.NoError(t, s.startTransport(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func int64Ptr(v int64) *int64 { return &v }
