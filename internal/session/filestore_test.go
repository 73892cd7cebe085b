package session

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "session_cache")
	store := NewFileStore(dir)
	assert.Equal(t, dir, store.Dir())

	path, err := store.PreparePath("key-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir))
	assert.True(t, strings.HasSuffix(path, ".olean"))
	assert.Contains(t, path, "_"+strconv.Itoa(os.Getpid())+".olean",
		"file names carry the owning pid so sharing a directory is safe")

	// Stand in for the REPL writing the pickle.
	require.NoError(t, os.WriteFile(path, []byte("artifact-bytes"), 0o644))

	size, err := store.Commit(ctx, "key-1", path)
	require.NoError(t, err)
	assert.Equal(t, int64(len("artifact-bytes")), size)

	restored, err := store.Restore(ctx, "key-1")
	require.NoError(t, err)

	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "artifact-bytes", string(data))
}

func TestFileStoreStablePaths(t *testing.T) {
	store := NewFileStore(t.TempDir())

	a, err := store.PreparePath("key-1")
	require.NoError(t, err)
	b, err := store.PreparePath("key-1")
	require.NoError(t, err)
	c, err := store.PreparePath("key-2")
	require.NoError(t, err)

	assert.Equal(t, a, b, "a key always maps to the same path")
	assert.NotEqual(t, a, c)
}

func TestFileStoreCommitMissingArtifact(t *testing.T) {
	store := NewFileStore(t.TempDir())

	path, err := store.PreparePath("key-1")
	require.NoError(t, err)

	_, err = store.Commit(context.Background(), "key-1", path)
	require.Error(t, err, "committing before the REPL wrote the file must fail")
}

func TestFileStoreRestoreMissing(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, err := store.Restore(context.Background(), "never-written")
	require.Error(t, err)
}

func TestFileStoreRemove(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())

	path, err := store.PreparePath("key-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, store.Remove(ctx, "key-1"))

	_, err = store.Restore(ctx, "key-1")
	require.Error(t, err)

	// Absent keys are a no-op, and the lock sidecar is cleaned up.
	require.NoError(t, store.Remove(ctx, "key-1"))
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}
