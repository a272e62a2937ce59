package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var backupOut string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump the whole database as a NUL-delimited SQL statement stream",
	Long: `Serializes the entire database file, including every table prefix it
hosts, to a stream of SQL statements suitable for "cadepot restore".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		var w io.Writer = os.Stdout
		if backupOut != "" {
			f, err := os.OpenFile(backupOut, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("creating backup file: %w", err)
			}
			defer f.Close()
			w = f
		}
		return s.Backup(w)
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "", "write the dump to a file instead of stdout")
	rootCmd.AddCommand(backupCmd)
}
