package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps pickled artifacts in Redis, letting several machines
// share one session cache. The REPL still needs local files to pickle to
// and unpickle from, so artifacts pass through a spool directory on their
// way in and out.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	spoolDir string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store over the given client. Keys are namespaced
// under prefix; spoolDir holds transient local copies and is created on
// first use (os.TempDir when empty).
func NewRedisStore(client redis.UniversalClient, prefix, spoolDir string) *RedisStore {
	if prefix == "" {
		prefix = "leanrepl:session:"
	}

	if spoolDir == "" {
		spoolDir = filepath.Join(os.TempDir(), "leanrepl-session-spool")
	}

	return &RedisStore{client: client, prefix: prefix, spoolDir: spoolDir}
}

// PreparePath implements Store.
func (s *RedisStore) PreparePath(key string) (string, error) {
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}

	return s.spoolPath(key), nil
}

// Commit implements Store. Uploads the spooled artifact and deletes the
// local copy.
func (s *RedisStore) Commit(ctx context.Context, key, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read session artifact: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return 0, fmt.Errorf("store session artifact: %w", err)
	}

	_ = os.Remove(path)

	return int64(len(data)), nil
}

// Restore implements Store. Downloads the artifact into the spool directory.
func (s *RedisStore) Restore(ctx context.Context, key string) (string, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return "", fmt.Errorf("fetch session artifact: %w", err)
	}

	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}

	path := s.spoolPath(key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("spool session artifact: %w", err)
	}

	return path, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	_ = os.Remove(s.spoolPath(key))

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete session artifact: %w", err)
	}

	return nil
}

// Close implements Store. The client is owned by the caller and left open.
func (s *RedisStore) Close() error {
	return os.RemoveAll(s.spoolDir)
}

func (s *RedisStore) spoolPath(key string) string {
	return filepath.Join(s.spoolDir, key+".olean")
}
