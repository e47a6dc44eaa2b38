package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/backup"
	"github.com/shizukutanaka/okura/internal/config"
	"github.com/shizukutanaka/okura/internal/logging"
	"github.com/shizukutanaka/okura/internal/monitoring"
)

const Version = "1.2.0"

var (
	cfgFile   string
	verbose   bool
	backupDir string
	dbDir     string
	walDir    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "okura",
	Short: "Deduplicated backup and restore for live storage engines",
	Long: `Okura takes crash-consistent, deduplicated, checksum-verified backups
of a storage engine's on-disk files while the engine keeps running,
restores them later, and reclaims space with reference-counted garbage
collection. Immutable table files are shared across backup generations;
everything else is kept per backup.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&backupDir, "backup-dir", "", "backup directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbDir, "db-dir", "", "live data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&walDir, "wal-dir", "", "write-ahead log directory (overrides config)")
}

// setup loads the effective configuration and builds the root logger.
func setup() (*config.Config, *zap.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, nil, err
		}
	} else {
		cfg = config.Default()
	}
	if backupDir != "" {
		cfg.Backup.BackupDir = backupDir
	}
	if dbDir != "" {
		cfg.Backup.DBDir = dbDir
	}
	if walDir != "" {
		cfg.Backup.WALDir = walDir
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openEngine builds a backup engine from the effective configuration.
func openEngine(cfg *config.Config, logger *zap.Logger, metrics *monitoring.Metrics, readOnly bool) (*backup.Engine, error) {
	opts := backup.DefaultOptions(cfg.Backup.BackupDir)
	opts.ShareTableFiles = cfg.Backup.ShareTableFiles
	opts.ShareFilesWithChecksum = cfg.Backup.ShareFilesWithChecksum
	opts.Sync = cfg.Backup.Sync
	opts.MaxBackgroundCopies = cfg.Backup.MaxBackgroundCopies
	opts.BackupRateLimit = cfg.Backup.RateLimit
	opts.RestoreRateLimit = cfg.Restore.RateLimit
	opts.VerifyFreeSpace = cfg.Backup.VerifyFreeSpace
	opts.ReadOnly = readOnly
	opts.Logger = logger
	opts.Metrics = metrics
	return backup.Open(opts)
}
