package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirSourceSharedWALDir(t *testing.T) {
	dir := sourceFixture(t)
	src := NewDirSource(nil, dir, "")
	assert.Equal(t, dir, src.WALDir())

	files, manifestSize, err := src.LiveFiles(false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"00010.sst", "00011.sst", "CURRENT", "MANIFEST-01"}, files)
	assert.Equal(t, uint64(len(sourceFiles["MANIFEST-01"])), manifestSize)

	wals, err := src.WALFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"00012.log"}, wals)
}

func TestDirSourceSeparateWALDir(t *testing.T) {
	dir := t.TempDir()
	walDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00010.sst"), []byte("t"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(walDir, "00012.log"), []byte("w"), 0o644))

	src := NewDirSource(nil, dir, walDir)
	files, _, err := src.LiveFiles(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"00010.sst"}, files)

	wals, err := src.WALFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"00012.log"}, wals)
}

func TestDirSourceSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00010.sst"), []byte("t"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lost+found"), 0o755))

	files, _, err := NewDirSource(nil, dir, "").LiveFiles(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"00010.sst"}, files)
}

func TestFileClassification(t *testing.T) {
	assert.True(t, isWALFile("00012.log"))
	assert.False(t, isWALFile("00010.sst"))
	assert.True(t, isManifestFile("MANIFEST-000001"))
	assert.False(t, isManifestFile("CURRENT"))
	assert.True(t, isShareableFile("00010.sst"))
	assert.True(t, isShareableFile("00010.ldb"))
	assert.False(t, isShareableFile("MANIFEST-000001"))
	assert.False(t, isShareableFile("00012.log"))
}
