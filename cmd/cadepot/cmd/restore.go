package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cadepot/storage"
)

var restoreIn string

var restoreCmd = &cobra.Command{
	Use:   "restore <target>",
	Short: "Rebuild a database from a backup stream",
	Long: `Reads a "cadepot backup" stream and replays it into a fresh database
file. The target must not exist; a partially restored target left behind by
a failed run should be deleted before retrying.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if restoreIn != "" {
			f, err := os.Open(restoreIn)
			if err != nil {
				return fmt.Errorf("opening backup file: %w", err)
			}
			defer f.Close()
			r = f
		}
		return storage.Restore(args[0], r)
	},
}

func init() {
	restoreCmd.Flags().StringVarP(&restoreIn, "in", "i", "", "read the dump from a file instead of stdin")
	rootCmd.AddCommand(restoreCmd)
}
