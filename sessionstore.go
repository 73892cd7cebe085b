package leanrepl

import "github.com/leanprover-tools/lean-repl-sdk-go/internal/session"

// SessionStore persists pinned session artifacts. See the Store interface
// in internal/session for the contract.
type SessionStore = session.Store

// SessionState is one durable record of a pinned environment or proof
// state.
type SessionState = session.State

// NewFileSessionStore creates a file-backed session store rooted at dir.
// This is the store AutoServer uses by default, rooted at
// <WorkingDir>/session_cache.
func NewFileSessionStore(dir string) SessionStore {
	return session.NewFileStore(dir)
}
