package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups in the backup directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		engine, err := openEngine(cfg, logger, nil, true)
		if err != nil {
			return err
		}
		defer engine.Close()

		infos := engine.GetBackupInfo()
		if len(infos) == 0 {
			fmt.Println("No backups found")
		} else {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tSIZE\tFILES\tSEQUENCE")
			for _, info := range infos {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n",
					info.ID,
					humanize.Time(info.Timestamp),
					humanize.Bytes(info.Size),
					info.FileCount,
					info.SequenceNumber,
				)
			}
			w.Flush()
		}

		if corrupt := engine.GetCorruptedBackups(); len(corrupt) > 0 {
			fmt.Printf("\nCorrupt backups (quarantined): %v\n", corrupt)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
