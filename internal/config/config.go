package config

import (
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/okura/internal/logging"
	"github.com/shizukutanaka/okura/internal/status"
)

// Config is the whole-process configuration.
type Config struct {
	Log     logging.Config `yaml:"log"`
	Backup  BackupConfig   `yaml:"backup"`
	Restore RestoreConfig  `yaml:"restore"`
	API     APIConfig      `yaml:"api"`
}

// BackupConfig configures the backup engine.
type BackupConfig struct {
	// BackupDir is the root of the backup medium.
	BackupDir string `yaml:"backup_dir"`

	// DBDir is the live engine's data directory.
	DBDir string `yaml:"db_dir"`

	// WALDir is the live engine's write-ahead log directory; empty
	// means DBDir.
	WALDir string `yaml:"wal_dir"`

	// ShareTableFiles reuses table files across backups.
	ShareTableFiles bool `yaml:"share_table_files"`

	// ShareFilesWithChecksum names shared files by checksum and size.
	ShareFilesWithChecksum bool `yaml:"share_files_with_checksum"`

	// Sync fsyncs files and directories as they are written.
	Sync bool `yaml:"sync"`

	// MaxBackgroundCopies is the copy worker count.
	MaxBackgroundCopies int `yaml:"max_background_copies"`

	// RateLimit caps backup throughput in bytes per second; 0 is
	// unlimited. Hot-reloadable.
	RateLimit int64 `yaml:"rate_limit"`

	// VerifyFreeSpace refuses operations that exceed the destination
	// volume's free space.
	VerifyFreeSpace bool `yaml:"verify_free_space"`
}

// RestoreConfig configures restore operations.
type RestoreConfig struct {
	// KeepLogFiles preserves destination WAL segments during restore.
	KeepLogFiles bool `yaml:"keep_log_files"`

	// RateLimit caps restore throughput in bytes per second; 0 is
	// unlimited. Hot-reloadable.
	RateLimit int64 `yaml:"rate_limit"`
}

// APIConfig configures the HTTP status server.
type APIConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"`
	RateLimit  int           `yaml:"rate_limit"` // requests/sec per client IP
	RateBurst  int           `yaml:"rate_burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Backup: BackupConfig{
			ShareTableFiles:     true,
			MaxBackgroundCopies: runtime.NumCPU(),
			VerifyFreeSpace:     true,
		},
		API: APIConfig{
			ListenAddr: ":8321",
			RateLimit:  20,
			RateBurst:  40,
			Timeout:    30 * time.Second,
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Wrapf(status.IOError, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, status.Wrapf(status.InvalidArgument, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Backup.BackupDir == "" {
		return status.New(status.InvalidArgument, "backup.backup_dir is required")
	}
	if c.Backup.MaxBackgroundCopies < 1 {
		return status.New(status.InvalidArgument, "backup.max_background_copies must be at least 1")
	}
	if c.Backup.RateLimit < 0 {
		return status.New(status.InvalidArgument, "backup.rate_limit cannot be negative")
	}
	if c.Restore.RateLimit < 0 {
		return status.New(status.InvalidArgument, "restore.rate_limit cannot be negative")
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return status.New(status.InvalidArgument, "api.listen_addr is required when the API is enabled")
	}
	if c.API.RateLimit < 0 {
		return status.New(status.InvalidArgument, "api.rate_limit cannot be negative")
	}
	return nil
}
