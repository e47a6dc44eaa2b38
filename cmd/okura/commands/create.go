package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/okura/internal/backup"
	"github.com/shizukutanaka/okura/internal/status"
)

var createFlush bool

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new backup of the live data directory",
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

		src := backup.NewDirSource(nil, cfg.Backup.DBDir, cfg.Backup.WALDir)
		id, err := engine.CreateNewBackup(cmd.Context(), src, createFlush)
		if err != nil {
			return err
		}

		for _, info := range engine.GetBackupInfo() {
			if info.ID == id {
				fmt.Printf("Created backup %d (%s, %d files)\n",
					id, humanize.Bytes(info.Size), info.FileCount)
				return nil
			}
		}
		fmt.Printf("Created backup %d\n", id)
		return nil
	},
}

func init() {
	createCmd.Flags().BoolVar(&createFlush, "flush", false, "flush the memtable before snapshotting")
	rootCmd.AddCommand(createCmd)
}
