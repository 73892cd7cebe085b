// Package memwatch samples process and system memory against configured
// thresholds. Sampling is a pure read with no side effects and is safe to
// call while requests are in flight; acting on a breach is the supervisor's
// job, and it only does so between requests.
package memwatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one observation of resource usage.
type Sample struct {
	// ProcessFraction is the REPL process tree's resident memory as a
	// fraction of the configured hard limit. Zero when no hard limit is
	// configured.
	ProcessFraction float64

	// SystemFraction is system-wide memory usage as a fraction of total.
	SystemFraction float64

	// Elapsed is the wall-clock time since the process was spawned.
	Elapsed time.Duration
}

// Monitor evaluates samples against memory thresholds.
type Monitor struct {
	log *slog.Logger

	// maxSystemFraction and maxProcessFraction are soft limits in (0, 1];
	// zero disables the corresponding check.
	maxSystemFraction  float64
	maxProcessFraction float64
	hardLimitBytes     uint64
}

// New creates a monitor. hardLimitMB is the process memory hard limit the
// process fraction is measured against; zero disables the process check
// regardless of maxProcessFraction.
func New(log *slog.Logger, maxSystemFraction, maxProcessFraction float64, hardLimitMB int) *Monitor {
	return &Monitor{
		log:                log.With("component", "memwatch"),
		maxSystemFraction:  maxSystemFraction,
		maxProcessFraction: maxProcessFraction,
		hardLimitBytes:     uint64(hardLimitMB) * 1024 * 1024,
	}
}

// Sample reads current memory usage for the given process tree.
//
// A vanished process contributes zero process memory rather than an error:
// the caller finds out about process death through the transport, not here.
func (m *Monitor) Sample(ctx context.Context, pid int, startedAt time.Time) (Sample, error) {
	s := Sample{}

	if !startedAt.IsZero() {
		s.Elapsed = time.Since(startedAt)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, err
	}

	s.SystemFraction = vm.UsedPercent / 100

	if m.hardLimitBytes > 0 && pid > 0 {
		rss := treeRSS(ctx, pid)
		s.ProcessFraction = float64(rss) / float64(m.hardLimitBytes)
	}

	return s, nil
}

// Breached reports whether the sample exceeds any configured threshold.
func (m *Monitor) Breached(s Sample) bool {
	if m.maxSystemFraction > 0 && s.SystemFraction >= m.maxSystemFraction {
		m.log.Warn("System memory threshold breached",
			"used_fraction", s.SystemFraction, "max_fraction", m.maxSystemFraction)

		return true
	}

	if m.maxProcessFraction > 0 && m.hardLimitBytes > 0 && s.ProcessFraction >= m.maxProcessFraction {
		m.log.Warn("Process memory threshold breached",
			"used_fraction", s.ProcessFraction, "max_fraction", m.maxProcessFraction)

		return true
	}

	return false
}

// treeRSS sums resident memory of a process and its descendants. Processes
// that disappear mid-walk are skipped.
func treeRSS(ctx context.Context, pid int) uint64 {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}

	var total uint64

	var walk func(p *process.Process, depth int)

	walk = func(p *process.Process, depth int) {
		// Bounded depth guards against pid-reuse cycles.
		if depth > 32 {
			return
		}

		if info, err := p.MemoryInfoWithContext(ctx); err == nil && info != nil {
			total += info.RSS
		}

		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}

		for _, child := range children {
			walk(child, depth+1)
		}
	}

	walk(proc, 0)

	return total
}
