package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is the polling interval while waiting for a file lock.
const lockRetryDelay = 50 * time.Millisecond

// FileStore keeps pickled artifacts as files in a working directory, one
// file per key. File names derive from a hash of the key plus the owning
// process id, so independent OS processes sharing a cache directory never
// collide by accident.
//
// Mutations take a sidecar flock so that a concurrent reader in another
// process never observes a half-written artifact.
type FileStore struct {
	dir string
	pid int
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir. The directory is created on
// first use.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, pid: os.Getpid()}
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

// PreparePath implements Store.
func (s *FileStore) PreparePath(key string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create session cache dir: %w", err)
	}

	return s.path(key), nil
}

// Commit implements Store. The REPL already wrote the artifact in place;
// commit just verifies it exists and records its size.
func (s *FileStore) Commit(ctx context.Context, key, path string) (int64, error) {
	unlock, err := s.lock(ctx, path)
	if err != nil {
		return 0, err
	}
	defer unlock()

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat session artifact: %w", err)
	}

	return info.Size(), nil
}

// Restore implements Store.
func (s *FileStore) Restore(_ context.Context, key string) (string, error) {
	path := s.path(key)

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("session artifact missing: %w", err)
	}

	return path, nil
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	path := s.path(key)

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return err
	}

	rmErr := os.Remove(path)

	unlock()
	_ = os.Remove(path + ".lock")

	if rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("remove session artifact: %w", rmErr)
	}

	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))

	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.olean", hex.EncodeToString(sum[:]), s.pid))
}

// lock acquires the sidecar flock for an artifact and returns its release
// function.
func (s *FileStore) lock(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session cache dir: %w", err)
	}

	fl := flock.New(path + ".lock")

	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock session artifact: %w", err)
	}

	if !ok {
		return nil, fmt.Errorf("lock session artifact %s: not acquired", path)
	}

	return func() { _ = fl.Unlock() }, nil
}
