package memwatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSampleReadsSystemMemory(t *testing.T) {
	m := New(testLogger(), 0.8, 0.8, 0)

	started := time.Now().Add(-time.Minute)
	s, err := m.Sample(context.Background(), os.Getpid(), started)
	require.NoError(t, err)

	assert.Greater(t, s.SystemFraction, 0.0)
	assert.Less(t, s.SystemFraction, 1.0)
	assert.GreaterOrEqual(t, s.Elapsed, time.Minute)

	// No hard limit configured: the process check is off.
	assert.Zero(t, s.ProcessFraction)
}

func TestSampleProcessTree(t *testing.T) {
	m := New(testLogger(), 0.8, 0.8, 1024*1024) // limit far above anything real

	s, err := m.Sample(context.Background(), os.Getpid(), time.Now())
	require.NoError(t, err)

	assert.Greater(t, s.ProcessFraction, 0.0, "the test process itself has resident memory")
	assert.Less(t, s.ProcessFraction, 1.0)
}

func TestSampleVanishedProcess(t *testing.T) {
	m := New(testLogger(), 0.8, 0.8, 1024)

	// A pid that cannot exist contributes zero, not an error.
	s, err := m.Sample(context.Background(), 1<<22+1234567, time.Now())
	require.NoError(t, err)
	assert.Zero(t, s.ProcessFraction)
}

func TestSampleZeroPid(t *testing.T) {
	m := New(testLogger(), 0.8, 0.8, 1024)

	s, err := m.Sample(context.Background(), 0, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, s.ProcessFraction)
	assert.Zero(t, s.Elapsed)
}

func TestBreachedThresholds(t *testing.T) {
	m := New(testLogger(), 0.8, 0.5, 1024)

	assert.False(t, m.Breached(Sample{SystemFraction: 0.5, ProcessFraction: 0.2}))
	assert.True(t, m.Breached(Sample{SystemFraction: 0.85}))
	assert.True(t, m.Breached(Sample{SystemFraction: 0.8}), "thresholds are inclusive")
	assert.True(t, m.Breached(Sample{ProcessFraction: 0.6}))
}

func TestBreachedDisabledChecks(t *testing.T) {
	// Zero fractions disable the respective check.
	m := New(testLogger(), 0, 0, 1024)
	assert.False(t, m.Breached(Sample{SystemFraction: 0.99, ProcessFraction: 0.99}))

	// Process check is also off without a hard limit to measure against.
	m = New(testLogger(), 0, 0.5, 0)
	assert.False(t, m.Breached(Sample{ProcessFraction: 0.99}))
}
