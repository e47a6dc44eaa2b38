package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
)

// File is a writable file handle that can be flushed to stable storage.
type File interface {
	io.WriteCloser
	Sync() error
}

// Env abstracts the filesystem primitives the backup engine needs. All
// paths are absolute or relative to the process working directory; the
// engine composes them itself. Implementations must be safe for
// concurrent use by multiple goroutines operating on distinct paths.
type Env interface {
	// NewReader opens name for sequential reading.
	NewReader(name string) (io.ReadCloser, error)

	// NewWriter creates or truncates name for writing.
	NewWriter(name string) (File, error)

	// FileExists reports whether name exists.
	FileExists(name string) (bool, error)

	// FileSize returns the size of name in bytes.
	FileSize(name string) (uint64, error)

	// GetChildren lists the entry names (not paths) directly under dir.
	// A missing directory yields an empty list, not an error.
	GetChildren(dir string) ([]string, error)

	// CreateDir creates dir and any missing parents.
	CreateDir(dir string) error

	// Rename atomically replaces dst with src.
	Rename(src, dst string) error

	// DeleteFile removes a single file.
	DeleteFile(name string) error

	// DeleteDir removes an empty directory.
	DeleteDir(dir string) error

	// SyncDir flushes directory metadata for dir.
	SyncDir(dir string) error
}

// osEnv is the default Env backed by the operating system.
type osEnv struct{}

// NewOSEnv returns the Env backed by the local filesystem.
func NewOSEnv() Env {
	return osEnv{}
}

func (osEnv) NewReader(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func (osEnv) NewWriter(name string) (File, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (osEnv) FileExists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (osEnv) FileSize(name string) (uint64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func (osEnv) GetChildren(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (osEnv) CreateDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (osEnv) Rename(src, dst string) error {
	return os.Rename(src, dst)
}

func (osEnv) DeleteFile(name string) error {
	return os.Remove(name)
}

func (osEnv) DeleteDir(dir string) error {
	return os.Remove(dir)
}

func (osEnv) SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// DeleteTree removes every file under dir, recursing into
// subdirectories, then removes dir itself. Missing directories are
// ignored so the helper can run against partially-built state.
func DeleteTree(env Env, dir string) error {
	children, err := env.GetChildren(dir)
	if err != nil {
		return err
	}
	if children == nil {
		return nil
	}
	for _, name := range children {
		child := filepath.Join(dir, name)
		if err := env.DeleteFile(child); err == nil {
			continue
		}
		// Not a plain file; descend.
		if err := DeleteTree(env, child); err != nil {
			return err
		}
	}
	return env.DeleteDir(dir)
}
