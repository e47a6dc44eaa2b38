package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete untracked shared files and leftover scratch artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		engine, err := openEngine(cfg, logger, nil, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.GarbageCollect(); err != nil {
			return err
		}
		fmt.Println("Garbage collection complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
