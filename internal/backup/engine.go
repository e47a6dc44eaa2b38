package backup

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/copier"
	"github.com/shizukutanaka/okura/internal/ratelimit"
	"github.com/shizukutanaka/okura/internal/status"
	"github.com/shizukutanaka/okura/internal/vfs"
)

const (
	sharedDirName         = "shared"
	sharedChecksumDirName = "shared_checksum"
	privateDirName        = "private"
	metaDirName           = "meta"
	latestBackupName      = "LATEST_BACKUP"
	tmpSuffix             = ".tmp"
)

// Info summarizes one valid backup for listing.
type Info struct {
	ID             BackupID
	Timestamp      time.Time
	Size           uint64
	FileCount      int
	SequenceNumber uint64
}

// RestoreOptions tunes RestoreDBFromBackup.
type RestoreOptions struct {
	// KeepLogFiles preserves the write-ahead logs already present at
	// the destination instead of replacing them with the backed-up
	// ones, so the engine can replay past the backup point.
	KeepLogFiles bool
}

// Engine creates, restores and reclaims deduplicated backups of a live
// storage engine. Public operations are serialized by one coarse lock;
// only the copy workers run concurrently, and they never touch engine
// state.
type Engine struct {
	opts   Options
	logger *zap.Logger
	env    vfs.Env
	srcEnv vfs.Env

	mu       sync.Mutex
	backups  map[BackupID]*Meta
	corrupt  map[BackupID]error
	registry *FileRegistry
	latest   BackupID

	pool           *copier.Pool
	backupLimiter  *ratelimit.Limiter
	restoreLimiter *ratelimit.Limiter

	opCancel atomic.Value // context.CancelFunc of the running operation
}

// Open loads the backup directory: every meta file is parsed, corrupt
// entries are quarantined rather than deleted, and the latest backup is
// recomputed from the scan. The LATEST_BACKUP file is only a hint for
// external tooling; the scan always wins.
func Open(opts Options) (*Engine, error) {
	if opts.ReadOnly && opts.DestroyOldData {
		return nil, status.New(status.InvalidArgument,
			"read-only engine cannot destroy old data")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Env == nil {
		opts.Env = vfs.NewOSEnv()
	}
	if opts.SrcEnv == nil {
		opts.SrcEnv = opts.Env
	}
	if opts.MaxBackgroundCopies < 1 {
		opts.MaxBackgroundCopies = 1
	}

	e := &Engine{
		opts:     opts,
		logger:   opts.Logger.Named("backup"),
		env:      opts.Env,
		srcEnv:   opts.SrcEnv,
		backups:  make(map[BackupID]*Meta),
		corrupt:  make(map[BackupID]error),
		registry: NewFileRegistry(),
	}

	if !opts.ReadOnly {
		dirs := []string{opts.BackupDir, e.abs(privateDirName), e.abs(metaDirName)}
		if opts.ShareTableFiles {
			dirs = append(dirs, e.abs(sharedDirName))
		}
		if opts.ShareFilesWithChecksum {
			dirs = append(dirs, e.abs(sharedChecksumDirName))
		}
		for _, dir := range dirs {
			if err := e.env.CreateDir(dir); err != nil {
				return nil, status.Wrapf(status.IOError, err, "create %s", dir)
			}
		}
	}

	if err := e.loadBackups(); err != nil {
		return nil, err
	}

	if hint, ok := e.readLatestHint(); ok && hint != e.latest {
		e.logger.Warn("latest backup hint disagrees with meta scan, scan wins",
			zap.Int64("hint", int64(hint)),
			zap.Int64("scanned", int64(e.latest)),
		)
	}

	if opts.BackupRateLimit > 0 {
		limiter, err := ratelimit.NewDefault(e.logger, opts.BackupRateLimit)
		if err != nil {
			return nil, err
		}
		e.backupLimiter = limiter
	}
	if opts.RestoreRateLimit > 0 {
		limiter, err := ratelimit.NewDefault(e.logger, opts.RestoreRateLimit)
		if err != nil {
			return nil, err
		}
		e.restoreLimiter = limiter
	}

	e.pool = copier.NewPool(e.logger, opts.MaxBackgroundCopies, 4*opts.MaxBackgroundCopies)
	e.pool.Start()

	if opts.DestroyOldData {
		if err := e.PurgeOldBackups(0); err != nil {
			e.Close()
			return nil, err
		}
		if err := e.GarbageCollect(); err != nil {
			e.Close()
			return nil, err
		}
	}

	e.logger.Info("backup engine opened",
		zap.String("backup_dir", opts.BackupDir),
		zap.Int("valid_backups", len(e.backups)),
		zap.Int("corrupt_backups", len(e.corrupt)),
		zap.Int64("latest", int64(e.latest)),
	)
	e.publishCounts()
	return e, nil
}

// Close stops the copy workers and releases any throttled requests.
func (e *Engine) Close() {
	e.pool.Shutdown()
	if e.backupLimiter != nil {
		e.backupLimiter.Stop()
	}
	if e.restoreLimiter != nil {
		e.restoreLimiter.Stop()
	}
}

// BackupLimiter exposes the backup throttle, mainly so configuration
// reloads can adjust the rate of a running engine.
func (e *Engine) BackupLimiter() *ratelimit.Limiter { return e.backupLimiter }

// RestoreLimiter exposes the restore throttle.
func (e *Engine) RestoreLimiter() *ratelimit.Limiter { return e.restoreLimiter }

func (e *Engine) loadBackups() error {
	names, err := e.env.GetChildren(e.abs(metaDirName))
	if err != nil {
		return status.Wrapf(status.IOError, err, "list %s", e.abs(metaDirName))
	}
	for _, name := range names {
		if strings.HasSuffix(name, tmpSuffix) {
			continue // interrupted install, swept by GarbageCollect
		}
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil || id <= 0 {
			e.logger.Warn("ignoring unrecognized meta entry", zap.String("name", name))
			continue
		}
		meta := newMeta(BackupID(id), e.abs(metaRel(BackupID(id))), e.env, e.registry)
		if err := meta.LoadFromFile(e.abs); err != nil {
			e.logger.Warn("quarantining corrupt backup",
				zap.Int64("backup_id", id),
				zap.Error(err),
			)
			e.corrupt[BackupID(id)] = err
			continue
		}
		e.backups[BackupID(id)] = meta
		if BackupID(id) > e.latest {
			e.latest = BackupID(id)
		}
	}
	return nil
}

// CreateNewBackup snapshots the live engine into a new backup
// generation. The file set is pinned only until every copy has been
// enqueued, keeping the window during which the engine cannot reclaim
// space as small as possible. On any failure the partial backup is
// deleted and the directory garbage-collected, so a backup is either
// fully installed or entirely absent.
func (e *Engine) CreateNewBackup(ctx context.Context, src Source, flushMemtable bool) (BackupID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.ReadOnly {
		return 0, status.New(status.InvalidArgument, "engine is read-only")
	}

	opCtx, cancel := context.WithCancel(ctx)
	e.opCancel.Store(cancel)
	defer cancel()

	start := time.Now()
	logger := e.logger.With(zap.String("op_id", uuid.NewString()))

	if err := src.DisableFileDeletions(); err != nil {
		return 0, status.Wrap(status.IOError, err, "disable file deletions")
	}
	deletionsDisabled := true
	reEnable := func() {
		if deletionsDisabled {
			deletionsDisabled = false
			if err := src.EnableFileDeletions(); err != nil {
				logger.Error("re-enabling file deletions failed", zap.Error(err))
			}
		}
	}
	defer reEnable()

	files, manifestSize, err := src.LiveFiles(flushMemtable)
	if err != nil {
		return 0, status.Wrap(status.IOError, err, "enumerate live files")
	}
	wals, err := src.WALFiles()
	if err != nil {
		return 0, status.Wrap(status.IOError, err, "enumerate WAL files")
	}
	sequence := src.LatestSequence()

	newID := e.latest + 1
	logger = logger.With(zap.Int64("backup_id", int64(newID)))
	logger.Info("creating backup",
		zap.Int("live_files", len(files)),
		zap.Int("wal_files", len(wals)),
		zap.Uint64("sequence", sequence),
	)

	if e.opts.VerifyFreeSpace {
		if err := e.checkFreeSpace(logger, e.opts.BackupDir,
			e.estimateSourceSize(src, files, wals)); err != nil {
			return 0, err
		}
	}

	meta := newMeta(newID, e.abs(metaRel(newID)), e.env, e.registry)
	meta.RecordTimestamp(time.Now().Unix())
	meta.SetSequenceNumber(sequence)

	scratchDir := e.abs(privateRel(newID) + tmpSuffix)
	if err := e.env.CreateDir(scratchDir); err != nil {
		return 0, status.Wrapf(status.IOError, err, "create scratch dir %s", scratchDir)
	}

	var (
		pending  []*pendingFile
		firstErr error
	)
	dispatch := func(srcDir, name string, sizeLimit uint64, shareable bool) {
		if firstErr != nil {
			return
		}
		pf, err := e.addBackupFileWorkItem(opCtx, newID, srcDir, name, sizeLimit, shareable)
		if err != nil {
			firstErr = err
			return
		}
		pending = append(pending, pf)
	}
	for _, name := range files {
		var sizeLimit uint64
		if isManifestFile(name) {
			sizeLimit = manifestSize
		}
		dispatch(src.Dir(), name, sizeLimit, isShareableFile(name))
	}
	for _, name := range wals {
		dispatch(src.WALDir(), name, 0, false)
	}

	// Every copy is enqueued; the live engine may reclaim space again.
	reEnable()

	// Join in enumeration order for deterministic meta contents. The
	// first failure wins but every result is still drained.
	for _, pf := range pending {
		res := pf.wait()
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		if err := e.finishFile(meta, pf, res); err != nil {
			firstErr = err
		}
	}

	if firstErr == nil {
		firstErr = e.installBackup(meta, scratchDir)
	}
	if firstErr != nil {
		logger.Error("backup failed, unwinding partial state", zap.Error(firstErr))
		e.unwindFailedBackup(logger, meta, newID)
		if e.opts.Metrics != nil {
			e.opts.Metrics.BackupFinished(false, time.Since(start), 0)
		}
		return 0, firstErr
	}

	e.backups[newID] = meta
	e.latest = newID
	if e.opts.Metrics != nil {
		e.opts.Metrics.BackupFinished(true, time.Since(start), meta.Size())
	}
	e.publishCounts()
	logger.Info("backup complete",
		zap.Uint64("size", meta.Size()),
		zap.Int("files", meta.FileCount()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return newID, nil
}

// pendingFile is one file's resolved dedup decision: either a deferred
// copy on the worker pool or an already-known result.
type pendingFile struct {
	finalRel string // path recorded in the meta, slash separated
	copyTmp  string // absolute scratch destination, "" when not copying
	renameTo string // absolute final destination, "" when the dir rename covers it

	knownChecksum    uint32
	hasKnownChecksum bool

	reused         bool
	reusedSize     uint64
	reusedChecksum uint32

	item *copier.WorkItem
}

func (pf *pendingFile) wait() copier.Result {
	if pf.item != nil {
		return pf.item.Wait()
	}
	return copier.Result{Checksum: pf.reusedChecksum}
}

// addBackupFileWorkItem decides where one live file lands in the backup
// directory and whether any bytes need to move: a tracked shared file
// is reused outright, an untracked leftover from an aborted run is
// deleted and recopied, and everything else is copied fresh.
func (e *Engine) addBackupFileWorkItem(ctx context.Context, id BackupID,
	srcDir, name string, sizeLimit uint64, shareable bool) (*pendingFile, error) {

	srcPath := filepath.Join(srcDir, name)
	size, err := e.srcEnv.FileSize(srcPath)
	if err != nil {
		return nil, status.Wrapf(status.IOError, err, "stat %s", srcPath)
	}
	if sizeLimit > 0 && sizeLimit < size {
		size = sizeLimit
	}

	shared := shareable && e.opts.ShareTableFiles
	useChecksum := shared && e.opts.ShareFilesWithChecksum

	pf := &pendingFile{}
	switch {
	case useChecksum:
		_, checksum, err := copier.CalculateChecksum(ctx, e.srcEnv, srcPath,
			sizeLimit, e.opts.CopyChunkSize, e.backupLimiter, ratelimit.Low)
		if err != nil {
			return nil, err
		}
		pf.knownChecksum = checksum
		pf.hasKnownChecksum = true
		pf.finalRel = path.Join(sharedChecksumDirName,
			fmt.Sprintf("%s_%d_%d", name, checksum, size))
	case shared:
		pf.finalRel = path.Join(sharedDirName, name)
	default:
		pf.finalRel = path.Join(privateRel(id), name)
	}

	if shared {
		dstAbs := e.abs(pf.finalRel)
		exists, err := e.env.FileExists(dstAbs)
		if err != nil {
			return nil, status.Wrapf(status.IOError, err, "stat %s", dstAbs)
		}
		if exists {
			if tracked := e.registry.Get(pf.finalRel); tracked != nil {
				if useChecksum &&
					(tracked.Size != size || tracked.Checksum != pf.knownChecksum) {
					return nil, status.Errorf(status.Corruption,
						"shared file %s does not match registry (size %d/%d, checksum %d/%d)",
						pf.finalRel, tracked.Size, size, tracked.Checksum, pf.knownChecksum)
				}
				pf.reused = true
				pf.reusedSize = tracked.Size
				pf.reusedChecksum = tracked.Checksum
				e.logger.Debug("reusing shared file", zap.String("path", pf.finalRel))
				return pf, nil
			}
			// Present but untracked: an orphan from an aborted run.
			e.logger.Warn("deleting orphaned shared file before recopy",
				zap.String("path", pf.finalRel))
			if err := e.env.DeleteFile(dstAbs); err != nil {
				return nil, status.Wrapf(status.IOError, err, "delete orphan %s", dstAbs)
			}
		}
		pf.copyTmp = dstAbs + tmpSuffix
		pf.renameTo = dstAbs
	} else {
		pf.copyTmp = filepath.Join(e.abs(privateRel(id)+tmpSuffix), name)
	}

	item := &copier.WorkItem{
		Src:       srcPath,
		Dst:       pf.copyTmp,
		SrcEnv:    e.srcEnv,
		DstEnv:    e.env,
		SizeLimit: sizeLimit,
		ChunkSize: e.opts.CopyChunkSize,
		Limiter:   e.backupLimiter,
		Priority:  ratelimit.Low,
		Sync:      e.opts.Sync,
	}
	if err := e.pool.Submit(ctx, item); err != nil {
		return nil, err
	}
	pf.item = item
	return pf, nil
}

// finishFile folds one completed copy (or reuse) into the meta,
// installing shared payloads under their final names.
func (e *Engine) finishFile(meta *Meta, pf *pendingFile, res copier.Result) error {
	var size uint64
	var checksum uint32
	if pf.item != nil {
		size, checksum = res.BytesCopied, res.Checksum
		if pf.hasKnownChecksum && checksum != pf.knownChecksum {
			return status.Errorf(status.Corruption,
				"file %s changed while being backed up (checksum %d != %d)",
				pf.finalRel, checksum, pf.knownChecksum)
		}
		if pf.renameTo != "" {
			if err := e.env.Rename(pf.copyTmp, pf.renameTo); err != nil {
				return status.Wrapf(status.IOError, err, "install %s", pf.renameTo)
			}
		}
	} else {
		size, checksum = pf.reusedSize, pf.reusedChecksum
	}
	return meta.AddFile(&FileInfo{RelPath: pf.finalRel, Size: size, Checksum: checksum})
}

// installBackup makes the backup durable: scratch dir renamed to its
// final name, meta persisted, LATEST_BACKUP hint swapped in.
func (e *Engine) installBackup(meta *Meta, scratchDir string) error {
	finalPrivate := e.abs(privateRel(meta.ID()))
	if err := e.env.Rename(scratchDir, finalPrivate); err != nil {
		return status.Wrapf(status.IOError, err, "install private dir %s", finalPrivate)
	}
	if err := meta.StoreToFile(e.opts.Sync); err != nil {
		return err
	}
	if err := e.putLatestHint(meta.ID()); err != nil {
		return err
	}
	if e.opts.Sync {
		for _, dir := range []string{
			e.abs(privateDirName), e.abs(metaDirName),
			e.abs(sharedDirName), e.abs(sharedChecksumDirName),
			e.opts.BackupDir,
		} {
			if err := e.env.SyncDir(dir); err != nil {
				e.logger.Warn("directory sync failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
	return nil
}

// unwindFailedBackup rolls back an uninstalled backup: references are
// released, zero-ref payloads deleted, and the scratch artifacts left
// to the garbage collector.
func (e *Engine) unwindFailedBackup(logger *zap.Logger, meta *Meta, id BackupID) {
	zeroed, err := meta.Delete()
	if err != nil {
		logger.Warn("meta cleanup failed during unwind", zap.Error(err))
	}
	e.reclaimFiles(logger, zeroed)
	e.removePrivateDirs(logger, id)
	if err := e.garbageCollectLocked(logger); err != nil {
		logger.Warn("garbage collection failed during unwind", zap.Error(err))
	}
}

// RestoreDBFromBackup copies a backup's files back into dbDir/walDir,
// re-verifying every checksum against the recorded value. Restore is
// not transactional: a failure may leave the destination partially
// populated.
func (e *Engine) RestoreDBFromBackup(ctx context.Context, id BackupID,
	dbDir, walDir string, opts RestoreOptions) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if stored, ok := e.corrupt[id]; ok {
		return stored
	}
	meta, ok := e.backups[id]
	if !ok {
		return status.Errorf(status.NotFound, "backup %d not found", id)
	}
	if walDir == "" {
		walDir = dbDir
	}

	opCtx, cancel := context.WithCancel(ctx)
	e.opCancel.Store(cancel)
	defer cancel()

	start := time.Now()
	logger := e.logger.With(
		zap.String("op_id", uuid.NewString()),
		zap.Int64("backup_id", int64(id)),
	)
	logger.Info("restoring backup",
		zap.String("db_dir", dbDir),
		zap.String("wal_dir", walDir),
		zap.Bool("keep_log_files", opts.KeepLogFiles),
	)

	if e.opts.VerifyFreeSpace {
		if err := e.checkFreeSpace(logger, dbDir, meta.Size()); err != nil {
			return err
		}
	}
	if err := e.clearRestoreDirs(dbDir, walDir, opts.KeepLogFiles); err != nil {
		return err
	}

	type restoreItem struct {
		fi   *FileInfo
		item *copier.WorkItem
	}
	var (
		pending  []restoreItem
		firstErr error
	)
	for _, fi := range meta.Files() {
		name := restoredName(fi.RelPath)
		dstDir := dbDir
		if isWALFile(name) {
			dstDir = walDir
		}
		item := &copier.WorkItem{
			Src:       e.abs(fi.RelPath),
			Dst:       filepath.Join(dstDir, name),
			SrcEnv:    e.env,
			DstEnv:    e.srcEnv,
			ChunkSize: e.opts.CopyChunkSize,
			Limiter:   e.restoreLimiter,
			Priority:  ratelimit.High,
			Sync:      e.opts.Sync,
		}
		if err := e.pool.Submit(opCtx, item); err != nil {
			firstErr = err
			break
		}
		pending = append(pending, restoreItem{fi: fi, item: item})
	}

	var restored uint64
	for _, ri := range pending {
		res := ri.item.Wait()
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		if res.Checksum != ri.fi.Checksum {
			firstErr = status.Errorf(status.Corruption,
				"checksum mismatch restoring %s: recorded %d, got %d",
				ri.fi.RelPath, ri.fi.Checksum, res.Checksum)
			continue
		}
		if res.BytesCopied != ri.fi.Size {
			firstErr = status.Errorf(status.Corruption,
				"size mismatch restoring %s: recorded %d, got %d",
				ri.fi.RelPath, ri.fi.Size, res.BytesCopied)
			continue
		}
		restored += res.BytesCopied
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.RestoreFinished(firstErr == nil, time.Since(start), restored)
	}
	if firstErr != nil {
		logger.Error("restore failed", zap.Error(firstErr))
		return firstErr
	}
	logger.Info("restore complete",
		zap.Uint64("bytes", restored),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// RestoreDBFromLatestBackup restores the newest non-corrupt backup.
func (e *Engine) RestoreDBFromLatestBackup(ctx context.Context,
	dbDir, walDir string, opts RestoreOptions) error {

	e.mu.Lock()
	latest := e.latest
	e.mu.Unlock()
	if latest == 0 {
		return status.New(status.NotFound, "no backups available")
	}
	return e.RestoreDBFromBackup(ctx, latest, dbDir, walDir, opts)
}

func (e *Engine) clearRestoreDirs(dbDir, walDir string, keepLogFiles bool) error {
	if err := e.srcEnv.CreateDir(dbDir); err != nil {
		return status.Wrapf(status.IOError, err, "create %s", dbDir)
	}
	if err := e.srcEnv.CreateDir(walDir); err != nil {
		return status.Wrapf(status.IOError, err, "create %s", walDir)
	}

	children, err := e.srcEnv.GetChildren(dbDir)
	if err != nil {
		return status.Wrapf(status.IOError, err, "list %s", dbDir)
	}
	for _, name := range children {
		full := filepath.Join(dbDir, name)
		if keepLogFiles && isWALFile(name) {
			// Move live logs to the WAL dir so replay still sees them.
			if walDir != dbDir {
				if err := e.srcEnv.Rename(full, filepath.Join(walDir, name)); err != nil {
					return status.Wrapf(status.IOError, err, "move %s", full)
				}
			}
			continue
		}
		if err := e.srcEnv.DeleteFile(full); err != nil {
			if terr := vfs.DeleteTree(e.srcEnv, full); terr != nil {
				return status.Wrapf(status.IOError, terr, "clear %s", full)
			}
		}
	}

	if walDir == dbDir {
		return nil
	}
	children, err = e.srcEnv.GetChildren(walDir)
	if err != nil {
		return status.Wrapf(status.IOError, err, "list %s", walDir)
	}
	for _, name := range children {
		if keepLogFiles && isWALFile(name) {
			continue
		}
		full := filepath.Join(walDir, name)
		if err := e.srcEnv.DeleteFile(full); err != nil {
			if terr := vfs.DeleteTree(e.srcEnv, full); terr != nil {
				return status.Wrapf(status.IOError, terr, "clear %s", full)
			}
		}
	}
	return nil
}

// DeleteBackup removes one backup, dropping file references and
// deleting any payload whose refcount reached zero.
func (e *Engine) DeleteBackup(id BackupID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.ReadOnly {
		return status.New(status.InvalidArgument, "engine is read-only")
	}
	return e.deleteBackupLocked(id)
}

func (e *Engine) deleteBackupLocked(id BackupID) error {
	logger := e.logger.With(zap.Int64("backup_id", int64(id)))
	if meta, ok := e.backups[id]; ok {
		zeroed, err := meta.Delete()
		if err != nil {
			return err
		}
		e.reclaimFiles(logger, zeroed)
		delete(e.backups, id)
	} else if _, ok := e.corrupt[id]; ok {
		delete(e.corrupt, id)
		metaPath := e.abs(metaRel(id))
		if exists, _ := e.env.FileExists(metaPath); exists {
			if err := e.env.DeleteFile(metaPath); err != nil {
				return status.Wrapf(status.IOError, err, "delete %s", metaPath)
			}
		}
	} else {
		return status.Errorf(status.NotFound, "backup %d not found", id)
	}

	e.removePrivateDirs(logger, id)
	if id == e.latest {
		e.latest = 0
		for known := range e.backups {
			if known > e.latest {
				e.latest = known
			}
		}
	}
	e.publishCounts()
	logger.Info("backup deleted")
	return nil
}

// PurgeOldBackups deletes the oldest backups until at most
// numBackupsToKeep remain.
func (e *Engine) PurgeOldBackups(numBackupsToKeep int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.ReadOnly {
		return status.New(status.InvalidArgument, "engine is read-only")
	}
	ids := make([]BackupID, 0, len(e.backups))
	for id := range e.backups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for len(ids) > numBackupsToKeep {
		if err := e.deleteBackupLocked(ids[0]); err != nil {
			return err
		}
		ids = ids[1:]
	}
	return nil
}

// GarbageCollect deletes untracked shared files, private directories of
// deleted backups, and scratch artifacts left behind by interrupted
// runs.
func (e *Engine) GarbageCollect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.ReadOnly {
		return status.New(status.InvalidArgument, "engine is read-only")
	}
	return e.garbageCollectLocked(e.logger)
}

func (e *Engine) garbageCollectLocked(logger *zap.Logger) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, dir := range []string{sharedDirName, sharedChecksumDirName} {
		children, err := e.env.GetChildren(e.abs(dir))
		if err != nil {
			keep(status.Wrapf(status.IOError, err, "list %s", dir))
			continue
		}
		for _, name := range children {
			rel := path.Join(dir, name)
			if !strings.HasSuffix(name, tmpSuffix) {
				if fi := e.registry.Get(rel); fi != nil && fi.Refs() > 0 {
					continue
				}
			}
			logger.Info("garbage collecting shared file", zap.String("path", rel))
			keep(e.env.DeleteFile(e.abs(rel)))
			e.registry.Remove(rel)
		}
	}

	children, err := e.env.GetChildren(e.abs(privateDirName))
	if err != nil {
		keep(status.Wrapf(status.IOError, err, "list %s", privateDirName))
	}
	for _, name := range children {
		if e.privateDirInUse(name) {
			continue
		}
		logger.Info("garbage collecting private dir", zap.String("name", name))
		keep(vfs.DeleteTree(e.env, filepath.Join(e.abs(privateDirName), name)))
	}

	children, err = e.env.GetChildren(e.abs(metaDirName))
	if err != nil {
		keep(status.Wrapf(status.IOError, err, "list %s", metaDirName))
	}
	for _, name := range children {
		if strings.HasSuffix(name, tmpSuffix) {
			logger.Info("garbage collecting meta scratch", zap.String("name", name))
			keep(e.env.DeleteFile(filepath.Join(e.abs(metaDirName), name)))
		}
	}
	return firstErr
}

func (e *Engine) privateDirInUse(name string) bool {
	if strings.HasSuffix(name, tmpSuffix) {
		return false
	}
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return false
	}
	if _, ok := e.backups[BackupID(id)]; ok {
		return true
	}
	_, ok := e.corrupt[BackupID(id)]
	return ok
}

// VerifyBackup confirms that every file a backup references exists on
// the backup medium with its recorded size. It does not recompute
// checksums; restore does that.
func (e *Engine) VerifyBackup(id BackupID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stored, ok := e.corrupt[id]; ok {
		return stored
	}
	meta, ok := e.backups[id]
	if !ok {
		return status.Errorf(status.NotFound, "backup %d not found", id)
	}
	for _, fi := range meta.Files() {
		size, err := e.env.FileSize(e.abs(fi.RelPath))
		if err != nil {
			return status.Wrapf(status.NotFound, err,
				"backup %d references missing file %s", id, fi.RelPath)
		}
		if size != fi.Size {
			return status.Errorf(status.Corruption,
				"backup %d file %s has size %d, recorded %d", id, fi.RelPath, size, fi.Size)
		}
	}
	e.logger.Info("backup verified",
		zap.Int64("backup_id", int64(id)),
		zap.Int("files", meta.FileCount()),
	)
	return nil
}

// GetBackupInfo lists every valid backup, oldest first.
func (e *Engine) GetBackupInfo() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]Info, 0, len(e.backups))
	for id, meta := range e.backups {
		infos = append(infos, Info{
			ID:             id,
			Timestamp:      time.Unix(meta.Timestamp(), 0),
			Size:           meta.Size(),
			FileCount:      meta.FileCount(),
			SequenceNumber: meta.SequenceNumber(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// GetCorruptedBackups lists quarantined backup ids, oldest first.
func (e *Engine) GetCorruptedBackups() []BackupID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]BackupID, 0, len(e.corrupt))
	for id := range e.corrupt {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LatestBackupID returns the newest valid backup id, 0 when none exist.
func (e *Engine) LatestBackupID() BackupID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// StopBackup cooperatively aborts the running backup or restore; the
// copy loops notice at the next chunk boundary and fail Incomplete.
func (e *Engine) StopBackup() {
	if cancel, ok := e.opCancel.Load().(context.CancelFunc); ok && cancel != nil {
		cancel()
	}
}

func (e *Engine) reclaimFiles(logger *zap.Logger, zeroed []string) {
	for _, rel := range zeroed {
		if err := e.env.DeleteFile(e.abs(rel)); err != nil {
			logger.Warn("deleting unreferenced file failed",
				zap.String("path", rel), zap.Error(err))
		}
		e.registry.Remove(rel)
	}
}

func (e *Engine) removePrivateDirs(logger *zap.Logger, id BackupID) {
	for _, dir := range []string{
		e.abs(privateRel(id)),
		e.abs(privateRel(id) + tmpSuffix),
	} {
		if err := vfs.DeleteTree(e.env, dir); err != nil {
			logger.Warn("removing private dir failed",
				zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (e *Engine) checkFreeSpace(logger *zap.Logger, dir string, needed uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		logger.Warn("free space check unavailable",
			zap.String("dir", dir), zap.Error(err))
		return nil
	}
	if usage.Free < needed {
		return status.Errorf(status.IOError,
			"insufficient free space in %s: need %d bytes, have %d", dir, needed, usage.Free)
	}
	return nil
}

func (e *Engine) estimateSourceSize(src Source, files, wals []string) uint64 {
	var total uint64
	for _, name := range files {
		if size, err := e.srcEnv.FileSize(filepath.Join(src.Dir(), name)); err == nil {
			total += size
		}
	}
	for _, name := range wals {
		if size, err := e.srcEnv.FileSize(filepath.Join(src.WALDir(), name)); err == nil {
			total += size
		}
	}
	return total
}

func (e *Engine) publishCounts() {
	if e.opts.Metrics != nil {
		e.opts.Metrics.SetBackupCounts(len(e.backups), len(e.corrupt))
	}
}

func (e *Engine) putLatestHint(id BackupID) error {
	tmpPath := e.abs(latestBackupName + tmpSuffix)
	w, err := e.env.NewWriter(tmpPath)
	if err != nil {
		return status.Wrapf(status.IOError, err, "create %s", tmpPath)
	}
	if _, err := fmt.Fprintf(w, "%d\n", id); err != nil {
		w.Close()
		return status.Wrapf(status.IOError, err, "write %s", tmpPath)
	}
	if e.opts.Sync {
		if err := w.Sync(); err != nil {
			w.Close()
			return status.Wrapf(status.IOError, err, "sync %s", tmpPath)
		}
	}
	if err := w.Close(); err != nil {
		return status.Wrapf(status.IOError, err, "close %s", tmpPath)
	}
	if err := e.env.Rename(tmpPath, e.abs(latestBackupName)); err != nil {
		return status.Wrapf(status.IOError, err, "install %s", latestBackupName)
	}
	return nil
}

func (e *Engine) readLatestHint() (BackupID, bool) {
	r, err := e.env.NewReader(e.abs(latestBackupName))
	if err != nil {
		return 0, false
	}
	defer r.Close()
	var id int64
	if _, err := fmt.Fscanf(r, "%d", &id); err != nil {
		e.logger.Warn("unreadable latest backup hint", zap.Error(err))
		return 0, false
	}
	return BackupID(id), true
}

func (e *Engine) abs(rel string) string {
	return filepath.Join(e.opts.BackupDir, filepath.FromSlash(rel))
}

func metaRel(id BackupID) string {
	return path.Join(metaDirName, strconv.FormatInt(int64(id), 10))
}

func privateRel(id BackupID) string {
	return path.Join(privateDirName, strconv.FormatInt(int64(id), 10))
}

// restoredName maps a backup-relative payload path back to the file
// name the live engine expects, stripping the checksum/size suffix from
// shared_checksum entries.
func restoredName(relPath string) string {
	name := baseName(relPath)
	if !strings.HasPrefix(relPath, sharedChecksumDirName+"/") {
		return name
	}
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return name
	}
	j := strings.LastIndex(name[:i], "_")
	if j < 0 {
		return name
	}
	return name[:j]
}
