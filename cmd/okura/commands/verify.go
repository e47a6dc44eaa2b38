package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/okura/internal/backup"
	"github.com/shizukutanaka/okura/internal/status"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Check that every file a backup references exists with its recorded size",
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

		engine, err := openEngine(cfg, logger, nil, true)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.VerifyBackup(backup.BackupID(id)); err != nil {
			return err
		}
		fmt.Printf("Backup %d verified\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
