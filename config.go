package leanrepl

import "github.com/leanprover-tools/lean-repl-sdk-go/internal/config"

// Config describes how to spawn and talk to a Lean REPL process. It is an
// explicit value passed at construction time; the SDK keeps no process-wide
// default. See internal/config for field documentation.
type Config = config.Config
