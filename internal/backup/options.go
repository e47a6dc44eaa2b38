package backup

import (
	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/monitoring"
	"github.com/shizukutanaka/okura/internal/vfs"
)

// Options configures a backup engine instance.
type Options struct {
	// BackupDir is the root of the backup medium.
	BackupDir string

	// Env is the filesystem abstraction for the backup medium. Defaults
	// to the OS filesystem.
	Env vfs.Env

	// SrcEnv is the filesystem abstraction for the live engine's files.
	// Defaults to Env.
	SrcEnv vfs.Env

	// ShareTableFiles reuses immutable table files across backups under
	// shared/.
	ShareTableFiles bool

	// ShareFilesWithChecksum names shared files by checksum and size
	// under shared_checksum/, which is safe even when distinct engine
	// instances reuse file numbers.
	ShareFilesWithChecksum bool

	// Sync fsyncs payload files, meta files and directories as they are
	// written.
	Sync bool

	// DestroyOldData deletes every existing backup when the engine
	// opens. Incompatible with ReadOnly.
	DestroyOldData bool

	// ReadOnly refuses every mutating operation.
	ReadOnly bool

	// MaxBackgroundCopies is the copy worker pool size.
	MaxBackgroundCopies int

	// CopyChunkSize overrides the copy buffer size; 0 means the copier
	// default.
	CopyChunkSize int

	// BackupRateLimit caps backup copy throughput in bytes per second;
	// 0 means unlimited.
	BackupRateLimit int64

	// RestoreRateLimit caps restore copy throughput in bytes per
	// second; 0 means unlimited.
	RestoreRateLimit int64

	// VerifyFreeSpace refuses to start an operation when the
	// destination volume cannot hold the estimated payload.
	VerifyFreeSpace bool

	// Logger receives engine logs. Defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics receives operation counters when set.
	Metrics *monitoring.Metrics
}

// DefaultOptions returns the options most deployments want: table file
// sharing on, one background copy worker, durable writes off (the
// atomic install already bounds the damage of a crash).
func DefaultOptions(backupDir string) Options {
	return Options{
		BackupDir:           backupDir,
		ShareTableFiles:     true,
		MaxBackgroundCopies: 1,
		VerifyFreeSpace:     true,
	}
}
