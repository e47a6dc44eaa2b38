package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/okura/internal/status"
)

func TestRegistryRefAndRelease(t *testing.T) {
	r := NewFileRegistry()

	first := &FileInfo{RelPath: "shared/00010.sst", Size: 100, Checksum: 42}
	tracked, err := r.Ref(first)
	require.NoError(t, err)
	assert.Same(t, first, tracked)
	assert.Equal(t, int32(1), tracked.Refs())

	// A second backup referencing the same path gets the shared record.
	second := &FileInfo{RelPath: "shared/00010.sst", Size: 100, Checksum: 42}
	tracked2, err := r.Ref(second)
	require.NoError(t, err)
	assert.Same(t, first, tracked2)
	assert.Equal(t, int32(2), tracked2.Refs())
	assert.Equal(t, 1, r.Len())

	remaining, ok := r.Release("shared/00010.sst")
	assert.True(t, ok)
	assert.Equal(t, int32(1), remaining)

	remaining, ok = r.Release("shared/00010.sst")
	assert.True(t, ok)
	assert.Equal(t, int32(0), remaining)

	assert.Equal(t, []string{"shared/00010.sst"}, r.ZeroRefPaths())

	r.Remove("shared/00010.sst")
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Get("shared/00010.sst"))
}

func TestRegistryRefSizeMismatch(t *testing.T) {
	r := NewFileRegistry()

	_, err := r.Ref(&FileInfo{RelPath: "shared/00010.sst", Size: 100, Checksum: 42})
	require.NoError(t, err)

	_, err = r.Ref(&FileInfo{RelPath: "shared/00010.sst", Size: 200, Checksum: 42})
	assert.True(t, status.IsCorruption(err))

	// The failed Ref must not have bumped the count.
	assert.Equal(t, int32(1), r.Get("shared/00010.sst").Refs())
}

func TestRegistryReleaseUntracked(t *testing.T) {
	r := NewFileRegistry()
	_, ok := r.Release("shared/nope.sst")
	assert.False(t, ok)
	assert.Empty(t, r.ZeroRefPaths())
}
