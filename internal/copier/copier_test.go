package copier

import (
	"bytes"
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/ratelimit"
	"github.com/shizukutanaka/okura/internal/status"
	"github.com/shizukutanaka/okura/internal/vfs"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()
	data := bytes.Repeat([]byte("okura"), 10000)
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, data)

	n, checksum, err := CopyFile(context.Background(), env, env, src, dst,
		0, 1024, nil, ratelimit.Low, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), n)
	assert.Equal(t, crc32.ChecksumIEEE(data), checksum)

	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, copied)
}

func TestCopyFileSizeLimit(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()
	data := []byte("0123456789abcdef")
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, data)

	n, checksum, err := CopyFile(context.Background(), env, env, src, dst,
		10, 4, nil, ratelimit.Low, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	assert.Equal(t, crc32.ChecksumIEEE(data[:10]), checksum)

	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data[:10], copied)
}

func TestCopyFileCancelled(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()
	src := filepath.Join(dir, "src")
	writeFile(t, src, []byte("payload"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := CopyFile(ctx, env, env, src, filepath.Join(dir, "dst"),
		0, 4, nil, ratelimit.Low, false)
	assert.True(t, status.IsIncomplete(err))
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()

	_, _, err := CopyFile(context.Background(), env, env,
		filepath.Join(dir, "missing"), filepath.Join(dir, "dst"),
		0, 0, nil, ratelimit.Low, false)
	assert.True(t, status.IsIOError(err))
}

func TestCalculateChecksum(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()
	data := bytes.Repeat([]byte{0xA5}, 4096)
	src := filepath.Join(dir, "src")
	writeFile(t, src, data)

	n, checksum, err := CalculateChecksum(context.Background(), env, src,
		0, 512, nil, ratelimit.Low)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), n)
	assert.Equal(t, crc32.ChecksumIEEE(data), checksum)
}

func TestCopyFileRateLimited(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()
	data := bytes.Repeat([]byte("x"), 2000)
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, data)

	limiter, err := ratelimit.NewDefault(zap.NewNop(), 1<<20)
	require.NoError(t, err)
	defer limiter.Stop()

	n, checksum, err := CopyFile(context.Background(), env, env, src, dst,
		0, 512, limiter, ratelimit.High, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), n)
	assert.Equal(t, crc32.ChecksumIEEE(data), checksum)
	assert.Greater(t, limiter.GetTotalBytesThrough(ratelimit.High), int64(0))
}

func TestPoolProcessesItems(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()

	pool := NewPool(zap.NewNop(), 3, 8)
	pool.Start()
	defer pool.Shutdown()

	var items []*WorkItem
	var payloads [][]byte
	for i := 0; i < 10; i++ {
		data := bytes.Repeat([]byte{byte('a' + i)}, 1000+i)
		src := filepath.Join(dir, "src"+string(rune('0'+i)))
		writeFile(t, src, data)
		payloads = append(payloads, data)

		item := &WorkItem{
			Src:    src,
			Dst:    filepath.Join(dir, "dst"+string(rune('0'+i))),
			SrcEnv: env,
			DstEnv: env,
		}
		require.NoError(t, pool.Submit(context.Background(), item))
		items = append(items, item)
	}

	for i, item := range items {
		res := item.Wait()
		require.NoError(t, res.Err)
		assert.Equal(t, uint64(len(payloads[i])), res.BytesCopied)
		assert.Equal(t, crc32.ChecksumIEEE(payloads[i]), res.Checksum)
	}
	assert.Equal(t, uint64(10), pool.ItemsProcessed())
}

func TestPoolChecksumOnlyItem(t *testing.T) {
	dir := t.TempDir()
	env := vfs.NewOSEnv()
	data := []byte("checksum me")
	src := filepath.Join(dir, "src")
	writeFile(t, src, data)

	pool := NewPool(zap.NewNop(), 1, 1)
	pool.Start()
	defer pool.Shutdown()

	item := &WorkItem{Src: src, SrcEnv: env}
	require.NoError(t, pool.Submit(context.Background(), item))
	res := item.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, crc32.ChecksumIEEE(data), res.Checksum)

	// Nothing was written anywhere.
	children, err := env.GetChildren(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, children)
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 1)
	pool.Start()
	pool.Shutdown()

	err := pool.Submit(context.Background(), &WorkItem{Src: "x"})
	assert.True(t, status.IsInvalidArgument(err))
}
