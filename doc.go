// Package leanrepl provides a Go SDK for driving the Lean REPL.
//
// The SDK spawns the REPL as a long-running subprocess, exchanges
// newline-framed JSON over its pipes, and exposes typed request and
// response values for commands, file elaboration, and tactic-mode proof
// steps.
//
// # Basic Usage
//
// Server wraps one REPL process with no recovery:
//
//	ctx := context.Background()
//	server, err := leanrepl.NewServer(ctx, leanrepl.Config{
//	    ReplPath:   "/path/to/repl/.lake/build/bin/repl",
//	    WorkingDir: "/path/to/project",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
//	resp, err := server.Run(ctx, leanrepl.Command{Cmd: "theorem t : 1 + 1 = 2 := by rfl"})
//	if err != nil {
//	    log.Fatal(err) // the exchange failed
//	}
//	if lean, ok := resp.(*leanrepl.LeanError); ok {
//	    log.Fatal(lean.Message) // the input was rejected
//	}
//
// # Supervision
//
// AutoServer adds crash recovery: it restarts the REPL after crashes,
// timeouts, and memory exhaustion, and replays pinned state into the fresh
// process. Pin the environments you cannot afford to lose:
//
//	auto, err := leanrepl.NewAutoServer(ctx, cfg,
//	    leanrepl.WithLogger(slog.Default()),
//	    leanrepl.WithDefaultTimeout(60*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer auto.Close()
//
//	resp, err := auto.Run(ctx, leanrepl.Command{Cmd: "def x := 1"}, leanrepl.WithPin())
//	// resp's Env is now a negative session id, valid across restarts.
//
//	env := resp.(*leanrepl.CommandResponse).Env
//	resp, err = auto.Run(ctx, leanrepl.Command{Cmd: "def y := x + 1", Env: &env})
//
// Ids minted without WithPin die with the process that minted them.
//
// # Concurrency
//
// Both server types are safe for concurrent use: requests from any number
// of goroutines are linearized against the single REPL process. Sharing a
// server across OS process boundaries is unsupported; each process owns its
// own server and may point at a shared session store.
package leanrepl
