package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/okura/internal/backup"
	"github.com/shizukutanaka/okura/internal/status"
)

var restoreKeepLogs bool

var restoreCmd = &cobra.Command{
	Use:   "restore [backup-id]",
	Short: "Restore a backup into the data directory (latest when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if cfg.Backup.DBDir == "" {
			return status.New(status.InvalidArgument, "a data directory is required (--db-dir)")
		}

		engine, err := openEngine(cfg, logger, nil, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		opts := backup.RestoreOptions{KeepLogFiles: restoreKeepLogs || cfg.Restore.KeepLogFiles}
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return status.Errorf(status.InvalidArgument, "invalid backup id %q", args[0])
			}
			if err := engine.RestoreDBFromBackup(cmd.Context(),
				backup.BackupID(id), cfg.Backup.DBDir, cfg.Backup.WALDir, opts); err != nil {
				return err
			}
			fmt.Printf("Restored backup %d to %s\n", id, cfg.Backup.DBDir)
			return nil
		}
		if err := engine.RestoreDBFromLatestBackup(cmd.Context(),
			cfg.Backup.DBDir, cfg.Backup.WALDir, opts); err != nil {
			return err
		}
		fmt.Printf("Restored latest backup (%d) to %s\n", engine.LatestBackupID(), cfg.Backup.DBDir)
		return nil
	},
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreKeepLogs, "keep-log-files", false,
		"preserve write-ahead logs already present at the destination")
	rootCmd.AddCommand(restoreCmd)
}
