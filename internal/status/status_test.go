package status

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, NotFound, CodeOf(New(NotFound, "gone")))
	assert.Equal(t, Corruption, CodeOf(Errorf(Corruption, "bad byte at %d", 7)))

	// Unclassified errors come from the filesystem.
	assert.Equal(t, IOError, CodeOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := os.ErrNotExist
	err := Wrapf(NotFound, cause, "open %s", "meta/1")

	assert.True(t, IsNotFound(err))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, err.Error(), "open meta/1")
}

func TestCodeSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Incomplete, "cancelled"))
	assert.True(t, IsIncomplete(err))
	assert.Equal(t, Incomplete, CodeOf(err))
	assert.False(t, IsCorruption(err))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "invalid argument", InvalidArgument.String())
	assert.Equal(t, "io error", IOError.String())
	assert.Equal(t, "unknown", Code(99).String())
}
