package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg, err := Config{ReplPath: "/opt/repl/.lake/build/bin/repl"}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, "lake", cfg.LakePath)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, cfg.WorkingDir)
}

func TestNormalizeRequiresReplPath(t *testing.T) {
	_, err := Config{}.Normalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReplPath")
}

func TestNormalizeRejectsNegativeLimit(t *testing.T) {
	_, err := Config{ReplPath: "repl", MemoryHardLimitMB: -1}.Normalize()
	require.Error(t, err)
}

func TestNormalizeResolvesWorkingDir(t *testing.T) {
	cfg, err := Config{ReplPath: "repl", WorkingDir: "."}.Normalize()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.WorkingDir))
}

func TestNormalizeDoesNotMutateReceiver(t *testing.T) {
	orig := Config{ReplPath: "repl"}

	_, err := orig.Normalize()
	require.NoError(t, err)
	assert.Empty(t, orig.LakePath)
	assert.Empty(t, orig.WorkingDir)
}

func TestEnvironment(t *testing.T) {
	cfg := Config{ReplPath: "repl", Env: []string{"LEAN_PATH=/x"}}

	env := cfg.Environment()
	assert.Contains(t, env, "LEAN_PATH=/x")
	assert.NotContains(t, env, "LEAN_NUM_THREADS=1")

	cfg.DisableOptimizations = true
	env = cfg.Environment()
	assert.Contains(t, env, "LEAN_NUM_THREADS=1")

	// Caller entries come last so they win over the toggles.
	assert.Greater(t,
		indexOf(env, "LEAN_PATH=/x"),
		indexOf(env, "LEAN_NUM_THREADS=1"))
}

func indexOf(env []string, entry string) int {
	for i, e := range env {
		if e == entry {
			return i
		}
	}

	return -1
}
