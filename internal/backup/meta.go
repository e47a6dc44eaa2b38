package backup

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/shizukutanaka/okura/internal/status"
	"github.com/shizukutanaka/okura/internal/vfs"
)

// BackupID identifies one backup generation. IDs increase
// monotonically; 0 means "no backup".
type BackupID int64

// Meta is the per-backup ledger: creation time, the storage engine's
// sequence number at snapshot time, and the ordered list of payload
// files. FileInfo entries are shared with the engine's FileRegistry,
// never owned by the Meta.
type Meta struct {
	id        BackupID
	timestamp int64
	sequence  uint64
	size      uint64

	files   []*FileInfo
	fileSet map[string]struct{}

	metaPath string
	env      vfs.Env
	registry *FileRegistry
}

func newMeta(id BackupID, metaPath string, env vfs.Env, registry *FileRegistry) *Meta {
	return &Meta{
		id:       id,
		fileSet:  make(map[string]struct{}),
		metaPath: metaPath,
		env:      env,
		registry: registry,
	}
}

// ID returns the backup id.
func (m *Meta) ID() BackupID { return m.id }

// Timestamp returns the creation time in unix seconds.
func (m *Meta) Timestamp() int64 { return m.timestamp }

// RecordTimestamp stamps the meta with a creation time.
func (m *Meta) RecordTimestamp(unixSeconds int64) { m.timestamp = unixSeconds }

// SequenceNumber returns the engine sequence captured at snapshot time.
func (m *Meta) SequenceNumber() uint64 { return m.sequence }

// SetSequenceNumber records the engine sequence.
func (m *Meta) SetSequenceNumber(seq uint64) { m.sequence = seq }

// Size returns the total payload bytes referenced by this backup.
func (m *Meta) Size() uint64 { return m.size }

// FileCount returns the number of files referenced by this backup.
func (m *Meta) FileCount() int { return len(m.files) }

// Files returns the referenced files in enumeration order. The slice
// is shared; callers must not mutate it.
func (m *Meta) Files() []*FileInfo { return m.files }

// AddFile folds one file into the backup. The registry arbitrates
// sharing: a path already tracked by an earlier backup must agree on
// size and checksum, otherwise the backup medium is corrupt.
func (m *Meta) AddFile(fi *FileInfo) error {
	if _, dup := m.fileSet[fi.RelPath]; dup {
		return status.Errorf(status.Corruption, "duplicate file %s in backup %d", fi.RelPath, m.id)
	}
	tracked, err := m.registry.Ref(fi)
	if err != nil {
		return err
	}
	if tracked != fi && tracked.Checksum != fi.Checksum {
		m.registry.Release(fi.RelPath)
		return status.Errorf(status.Corruption,
			"checksum mismatch for shared file %s: registered %d, got %d",
			fi.RelPath, tracked.Checksum, fi.Checksum)
	}
	m.files = append(m.files, tracked)
	m.fileSet[tracked.RelPath] = struct{}{}
	m.size += tracked.Size
	return nil
}

// Delete releases every file reference and removes the meta file from
// disk. It returns the relative paths whose refcount reached zero, for
// the engine to reclaim.
func (m *Meta) Delete() ([]string, error) {
	var zeroed []string
	for _, fi := range m.files {
		if remaining, ok := m.registry.Release(fi.RelPath); ok && remaining == 0 {
			zeroed = append(zeroed, fi.RelPath)
		}
	}
	m.files = nil
	m.fileSet = make(map[string]struct{})
	m.size = 0

	exists, err := m.env.FileExists(m.metaPath)
	if err != nil {
		return zeroed, status.Wrapf(status.IOError, err, "stat %s", m.metaPath)
	}
	if exists {
		if err := m.env.DeleteFile(m.metaPath); err != nil {
			return zeroed, status.Wrapf(status.IOError, err, "delete %s", m.metaPath)
		}
	}
	return zeroed, nil
}

// LoadFromFile parses the on-disk meta file:
//
//	<timestamp>
//	<sequence_number>
//	<file_count>
//	<relative_path> crc32 <uint32_checksum>   (file_count lines)
//
// Every referenced file must exist on the backup medium; its recorded
// size is taken from disk. Truncation, malformed lines, and trailing
// garbage are all Corruption. absFn maps a relative payload path to the
// path the env understands.
func (m *Meta) LoadFromFile(absFn func(string) string) error {
	r, err := m.env.NewReader(m.metaPath)
	if err != nil {
		return status.Wrapf(status.IOError, err, "open meta file %s", m.metaPath)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line, ok := scanLine(scanner)
	if !ok {
		return status.Errorf(status.Corruption, "meta file %s: missing timestamp", m.metaPath)
	}
	ts, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return status.Errorf(status.Corruption, "meta file %s: bad timestamp %q", m.metaPath, line)
	}

	line, ok = scanLine(scanner)
	if !ok {
		return status.Errorf(status.Corruption, "meta file %s: missing sequence number", m.metaPath)
	}
	seq, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return status.Errorf(status.Corruption, "meta file %s: bad sequence number %q", m.metaPath, line)
	}

	line, ok = scanLine(scanner)
	if !ok {
		return status.Errorf(status.Corruption, "meta file %s: missing file count", m.metaPath)
	}
	count, err := strconv.Atoi(line)
	if err != nil || count < 0 {
		return status.Errorf(status.Corruption, "meta file %s: bad file count %q", m.metaPath, line)
	}

	files := make([]*FileInfo, 0, count)
	for i := 0; i < count; i++ {
		line, ok = scanLine(scanner)
		if !ok {
			return status.Errorf(status.Corruption,
				"meta file %s: truncated, expected %d files got %d", m.metaPath, count, i)
		}
		fields := strings.Split(line, " ")
		if len(fields) != 3 || fields[1] != "crc32" {
			return status.Errorf(status.Corruption, "meta file %s: malformed file line %q", m.metaPath, line)
		}
		checksum, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return status.Errorf(status.Corruption, "meta file %s: bad checksum %q", m.metaPath, fields[2])
		}
		relPath := fields[0]
		size, err := m.env.FileSize(absFn(relPath))
		if err != nil {
			return status.Wrapf(status.NotFound, err,
				"backup %d references missing file %s", m.id, relPath)
		}
		files = append(files, &FileInfo{RelPath: relPath, Size: size, Checksum: uint32(checksum)})
	}
	if line, ok = scanLine(scanner); ok && strings.TrimSpace(line) != "" {
		return status.Errorf(status.Corruption, "meta file %s: trailing garbage %q", m.metaPath, line)
	}
	if err := scanner.Err(); err != nil {
		return status.Wrapf(status.IOError, err, "read meta file %s", m.metaPath)
	}

	m.timestamp = ts
	m.sequence = seq
	for i, fi := range files {
		if err := m.AddFile(fi); err != nil {
			// Unwind the references already taken so a quarantined
			// backup pins nothing.
			for _, added := range files[:i] {
				m.registry.Release(added.RelPath)
			}
			m.files = nil
			m.fileSet = make(map[string]struct{})
			m.size = 0
			return err
		}
	}
	return nil
}

// StoreToFile persists the meta through a temp file and rename so a
// crash never leaves a half-written meta in place.
func (m *Meta) StoreToFile(sync bool) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n", m.timestamp)
	fmt.Fprintf(&buf, "%d\n", m.sequence)
	fmt.Fprintf(&buf, "%d\n", len(m.files))
	for _, fi := range m.files {
		fmt.Fprintf(&buf, "%s crc32 %d\n", fi.RelPath, fi.Checksum)
	}

	tmpPath := m.metaPath + tmpSuffix
	w, err := m.env.NewWriter(tmpPath)
	if err != nil {
		return status.Wrapf(status.IOError, err, "create %s", tmpPath)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Close()
		return status.Wrapf(status.IOError, err, "write %s", tmpPath)
	}
	if sync {
		if err := w.Sync(); err != nil {
			w.Close()
			return status.Wrapf(status.IOError, err, "sync %s", tmpPath)
		}
	}
	if err := w.Close(); err != nil {
		return status.Wrapf(status.IOError, err, "close %s", tmpPath)
	}
	if err := m.env.Rename(tmpPath, m.metaPath); err != nil {
		return status.Wrapf(status.IOError, err, "install %s", m.metaPath)
	}
	return nil
}

func scanLine(s *bufio.Scanner) (string, bool) {
	if !s.Scan() {
		return "", false
	}
	return s.Text(), true
}

// baseName strips the directory portion of a backup-relative path.
func baseName(relPath string) string {
	return path.Base(relPath)
}
