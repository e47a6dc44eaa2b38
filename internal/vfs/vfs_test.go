package vfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSEnvReadWrite(t *testing.T) {
	env := NewOSEnv()
	path := filepath.Join(t.TempDir(), "f")

	w, err := env.NewWriter(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	exists, err := env.FileExists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := env.FileSize(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	r, err := env.NewReader(path)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello", string(data))
}

func TestGetChildrenSortedAndMissing(t *testing.T) {
	env := NewOSEnv()
	dir := t.TempDir()
	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	children, err := env.GetChildren(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, children)

	// A missing directory is an empty listing, not an error.
	children, err = env.GetChildren(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Nil(t, children)
}

func TestRenameReplaces(t *testing.T) {
	env := NewOSEnv()
	dir := t.TempDir()
	src := filepath.Join(dir, "f.tmp")
	dst := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	require.NoError(t, env.Rename(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteTree(t *testing.T) {
	env := NewOSEnv()
	root := t.TempDir()
	dir := filepath.Join(root, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deeper", "c"), []byte("x"), 0o644))

	require.NoError(t, DeleteTree(env, dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Deleting a missing tree is a no-op.
	assert.NoError(t, DeleteTree(env, dir))
}
