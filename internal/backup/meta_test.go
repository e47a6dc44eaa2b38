package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/okura/internal/status"
	"github.com/shizukutanaka/okura/internal/vfs"
)

func metaFixture(t *testing.T) (dir string, env vfs.Env, registry *FileRegistry, absFn func(string) string) {
	t.Helper()
	dir = t.TempDir()
	env = vfs.NewOSEnv()
	registry = NewFileRegistry()
	require.NoError(t, env.CreateDir(filepath.Join(dir, "meta")))
	require.NoError(t, env.CreateDir(filepath.Join(dir, "shared")))
	require.NoError(t, env.CreateDir(filepath.Join(dir, "private")))
	absFn = func(rel string) string { return filepath.Join(dir, filepath.FromSlash(rel)) }
	return dir, env, registry, absFn
}

func TestMetaStoreLoadRoundTrip(t *testing.T) {
	dir, env, registry, absFn := metaFixture(t)

	require.NoError(t, env.CreateDir(filepath.Join(dir, "private", "1")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared", "00010.sst"), []byte("table-file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private", "1", "CURRENT"), []byte("cur"), 0o644))

	m := newMeta(1, filepath.Join(dir, "meta", "1"), env, registry)
	m.RecordTimestamp(1724457600)
	m.SetSequenceNumber(99)
	require.NoError(t, m.AddFile(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 1234}))
	require.NoError(t, m.AddFile(&FileInfo{RelPath: "private/1/CURRENT", Size: 3, Checksum: 5678}))
	require.NoError(t, m.StoreToFile(false))

	raw, err := os.ReadFile(filepath.Join(dir, "meta", "1"))
	require.NoError(t, err)
	assert.Equal(t,
		"1724457600\n99\n2\nshared/00010.sst crc32 1234\nprivate/1/CURRENT crc32 5678\n",
		string(raw))

	// Load against a fresh registry so refcounts start clean.
	loaded := newMeta(1, filepath.Join(dir, "meta", "1"), env, NewFileRegistry())
	require.NoError(t, loaded.LoadFromFile(absFn))

	assert.Equal(t, int64(1724457600), loaded.Timestamp())
	assert.Equal(t, uint64(99), loaded.SequenceNumber())
	assert.Equal(t, 2, loaded.FileCount())
	assert.Equal(t, uint64(13), loaded.Size())
	files := loaded.Files()
	assert.Equal(t, "shared/00010.sst", files[0].RelPath)
	assert.Equal(t, uint32(1234), files[0].Checksum)
	assert.Equal(t, uint64(10), files[0].Size)
	assert.Equal(t, "private/1/CURRENT", files[1].RelPath)
}

func TestMetaAddFileDuplicate(t *testing.T) {
	dir, env, registry, _ := metaFixture(t)

	m := newMeta(1, filepath.Join(dir, "meta", "1"), env, registry)
	require.NoError(t, m.AddFile(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 1}))
	err := m.AddFile(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 1})
	assert.True(t, status.IsCorruption(err))
}

func TestMetaAddFileChecksumMismatch(t *testing.T) {
	dir, env, registry, _ := metaFixture(t)

	m1 := newMeta(1, filepath.Join(dir, "meta", "1"), env, registry)
	require.NoError(t, m1.AddFile(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 1}))

	m2 := newMeta(2, filepath.Join(dir, "meta", "2"), env, registry)
	err := m2.AddFile(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 2})
	assert.True(t, status.IsCorruption(err))

	// The failed add released its reference.
	assert.Equal(t, int32(1), registry.Get("shared/00010.sst").Refs())
}

func TestMetaDeleteReleasesRefs(t *testing.T) {
	dir, env, registry, _ := metaFixture(t)

	m1 := newMeta(1, filepath.Join(dir, "meta", "1"), env, registry)
	require.NoError(t, m1.AddFile(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 1}))
	require.NoError(t, m1.AddFile(&FileInfo{RelPath: "private/1/CURRENT", Size: 3, Checksum: 2}))
	require.NoError(t, m1.StoreToFile(false))

	m2 := newMeta(2, filepath.Join(dir, "meta", "2"), env, registry)
	require.NoError(t, m2.AddFile(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 1}))

	zeroed, err := m1.Delete()
	require.NoError(t, err)
	// The shared table file is still held by backup 2; only the private
	// file dropped to zero references.
	assert.Equal(t, []string{"private/1/CURRENT"}, zeroed)
	assert.Equal(t, 0, m1.FileCount())

	exists, err := env.FileExists(filepath.Join(dir, "meta", "1"))
	require.NoError(t, err)
	assert.False(t, exists)

	zeroed, err = m2.Delete()
	require.NoError(t, err)
	assert.Equal(t, []string{"shared/00010.sst"}, zeroed)
}

func TestMetaLoadCorruptionCases(t *testing.T) {
	dir, env, _, absFn := metaFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared", "00010.sst"), []byte("table-file"), 0o644))

	cases := []struct {
		name    string
		content string
		check   func(error) bool
	}{
		{"empty", "", status.IsCorruption},
		{"bad timestamp", "not-a-number\n1\n0\n", status.IsCorruption},
		{"missing sequence", "1724457600\n", status.IsCorruption},
		{"bad file count", "1724457600\n1\nmany\n", status.IsCorruption},
		{"negative file count", "1724457600\n1\n-1\n", status.IsCorruption},
		{"truncated file list", "1724457600\n1\n2\nshared/00010.sst crc32 1\n", status.IsCorruption},
		{"malformed file line", "1724457600\n1\n1\nshared/00010.sst md5 1\n", status.IsCorruption},
		{"bad checksum", "1724457600\n1\n1\nshared/00010.sst crc32 huge\n", status.IsCorruption},
		{"trailing garbage", "1724457600\n1\n1\nshared/00010.sst crc32 1\nextra\n", status.IsCorruption},
		{"missing referenced file", "1724457600\n1\n1\nshared/gone.sst crc32 1\n", status.IsNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metaPath := filepath.Join(dir, "meta", "x")
			require.NoError(t, os.WriteFile(metaPath, []byte(tc.content), 0o644))
			m := newMeta(9, metaPath, env, NewFileRegistry())
			err := m.LoadFromFile(absFn)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected code: %v", err)
		})
	}
}

func TestMetaLoadRollsBackRefsOnFailure(t *testing.T) {
	dir, env, registry, absFn := metaFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared", "00010.sst"), []byte("table-file"), 0o644))

	// An earlier backup pinned the shared file with a different checksum,
	// so loading this meta fails partway through AddFile.
	_, err := registry.Ref(&FileInfo{RelPath: "shared/00010.sst", Size: 10, Checksum: 777})
	require.NoError(t, err)

	metaPath := filepath.Join(dir, "meta", "2")
	require.NoError(t, os.WriteFile(metaPath,
		[]byte("1724457600\n1\n1\nshared/00010.sst crc32 888\n"), 0o644))

	m := newMeta(2, metaPath, env, registry)
	err = m.LoadFromFile(absFn)
	assert.True(t, status.IsCorruption(err))
	assert.Equal(t, 0, m.FileCount())
	assert.Equal(t, int32(1), registry.Get("shared/00010.sst").Refs())
}
