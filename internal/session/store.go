package session

import "context"

// Store persists pickled REPL state artifacts under stable keys.
//
// The REPL can only pickle to and unpickle from local files, so a store
// hands out local paths: PreparePath before pickling, Restore before
// unpickling. Commit runs after the REPL has written the file, giving
// remote stores their chance to upload.
//
// Stores must tolerate concurrent readers. Writers to the same key are
// last-write-wins; callers sharing a store across OS processes must avoid
// writing the same key concurrently.
type Store interface {
	// PreparePath returns the local path the REPL should pickle the
	// artifact for key into.
	PreparePath(key string) (string, error)

	// Commit persists the artifact the REPL wrote at path and returns its
	// size in bytes.
	Commit(ctx context.Context, key, path string) (int64, error)

	// Restore materializes the artifact at a local path for unpickling.
	Restore(ctx context.Context, key string) (string, error)

	// Remove deletes the artifact. Removing an absent key is a no-op.
	Remove(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}
