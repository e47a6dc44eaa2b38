package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/okura/internal/backup"
	"github.com/shizukutanaka/okura/internal/status"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup and reclaim unreferenced files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return status.Errorf(status.InvalidArgument, "invalid backup id %q", args[0])
		}

		engine, err := openEngine(cfg, logger, nil, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.DeleteBackup(backup.BackupID(id)); err != nil {
			return err
		}
		fmt.Printf("Deleted backup %d\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
