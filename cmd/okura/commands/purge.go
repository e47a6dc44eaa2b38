package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/okura/internal/status"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <backups-to-keep>",
	Short: "Delete the oldest backups until at most N remain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		keep, err := strconv.Atoi(args[0])
		if err != nil || keep < 0 {
			return status.Errorf(status.InvalidArgument, "invalid backup count %q", args[0])
		}

		engine, err := openEngine(cfg, logger, nil, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.PurgeOldBackups(keep); err != nil {
			return err
		}
		fmt.Printf("Purged old backups, keeping at most %d\n", keep)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
