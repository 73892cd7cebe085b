// Package config holds the engine configuration consumed by the transport
// and servers. The configuration is an explicit value passed at construction
// time; there is no process-wide default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config describes how to spawn and talk to a Lean REPL process.
//
// Project bootstrapping (fetching and building the REPL and its project) is
// out of scope for this SDK: ReplPath must point at an already-built REPL
// binary and WorkingDir at an already-built Lean project.
type Config struct {
	// ReplPath is the path to the built REPL binary.
	ReplPath string

	// LakePath is the lake executable used to set up the Lean environment
	// for the REPL process. Defaults to "lake" from PATH.
	LakePath string

	// WorkingDir is the Lean project directory the REPL runs in. Session
	// cache artifacts are stored beneath it unless a store override is
	// provided. Defaults to the current directory.
	WorkingDir string

	// LeanVersion is the toolchain version of the project, if known.
	// Informational only.
	LeanVersion string

	// Env holds additional environment variables for the REPL process,
	// in "KEY=value" form. Appended to the parent environment.
	Env []string

	// MemoryHardLimitMB caps the REPL's address space via ulimit. Zero
	// means no limit. Only effective on platforms with a POSIX shell.
	MemoryHardLimitMB int

	// DisableOptimizations turns off the elaborator's incremental and
	// multi-threaded optimizations, trading speed for reproducibility.
	DisableOptimizations bool
}

// Normalize fills defaults and validates the configuration. It returns a
// copy; the caller's value is not mutated.
func (c Config) Normalize() (Config, error) {
	if c.ReplPath == "" {
		return c, fmt.Errorf("config: ReplPath is required")
	}

	if c.LakePath == "" {
		c.LakePath = "lake"
	}

	if c.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, fmt.Errorf("config: resolve working directory: %w", err)
		}

		c.WorkingDir = wd
	}

	abs, err := filepath.Abs(c.WorkingDir)
	if err != nil {
		return c, fmt.Errorf("config: resolve working directory: %w", err)
	}

	c.WorkingDir = abs

	if c.MemoryHardLimitMB < 0 {
		return c, fmt.Errorf("config: MemoryHardLimitMB must be >= 0, got %d", c.MemoryHardLimitMB)
	}

	return c, nil
}

// Environment returns the full environment for the REPL process: the parent
// environment, optimization toggles, then caller-supplied entries (which win).
func (c Config) Environment() []string {
	env := os.Environ()

	if c.DisableOptimizations {
		env = append(env, "LEAN_NUM_THREADS=1")
	}

	env = append(env, c.Env...)

	return env
}
