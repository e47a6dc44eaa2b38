package backup

import (
	"sync"

	"github.com/shizukutanaka/okura/internal/status"
)

// FileInfo is the content record for one physical payload file in the
// backup directory. One FileInfo is shared by every backup that
// references the same relative path; refs counts those backups.
type FileInfo struct {
	RelPath  string
	Size     uint64
	Checksum uint32

	refs int32
}

// Refs returns the number of backups currently referencing this file.
func (fi *FileInfo) Refs() int32 {
	return fi.refs
}

// FileRegistry is the engine-owned table of FileInfo records keyed by
// relative path, shared across every backup in one backup directory.
type FileRegistry struct {
	mu    sync.Mutex
	files map[string]*FileInfo
}

// NewFileRegistry creates an empty registry.
func NewFileRegistry() *FileRegistry {
	return &FileRegistry{files: make(map[string]*FileInfo)}
}

// Get returns the record for a path, or nil when untracked.
func (r *FileRegistry) Get(relPath string) *FileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[relPath]
}

// Ref registers a reference to relPath. A new record is inserted with
// refcount 1; an existing record has its refcount incremented after a
// size crosscheck (mismatching sizes for the same path mean the backup
// medium no longer matches the metadata). The tracked record is
// returned so callers always hold the shared instance.
func (r *FileRegistry) Ref(fi *FileInfo) (*FileInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.files[fi.RelPath]
	if !ok {
		fi.refs = 1
		r.files[fi.RelPath] = fi
		return fi, nil
	}
	if existing.Size != fi.Size {
		return nil, status.Errorf(status.Corruption,
			"size mismatch for shared file %s: registered %d, got %d",
			fi.RelPath, existing.Size, fi.Size)
	}
	existing.refs++
	return existing, nil
}

// Release decrements the refcount for relPath and reports the remaining
// count. Releasing an untracked path is a no-op returning ok=false.
func (r *FileRegistry) Release(relPath string) (remaining int32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fi, found := r.files[relPath]
	if !found {
		return 0, false
	}
	fi.refs--
	return fi.refs, true
}

// Remove drops the record for relPath regardless of refcount. Called
// once the physical file has been deleted.
func (r *FileRegistry) Remove(relPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, relPath)
}

// ZeroRefPaths returns every tracked path whose refcount has dropped to
// zero or below.
func (r *FileRegistry) ZeroRefPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for path, fi := range r.files {
		if fi.refs <= 0 {
			paths = append(paths, path)
		}
	}
	return paths
}

// Len returns the number of tracked files.
func (r *FileRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}
