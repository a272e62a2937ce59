package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var revokedCmd = &cobra.Command{
	Use:   "revoked",
	Short: "List revoked certificate serials",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		revoked, err := s.RevokedCertificates()
		if err != nil {
			return err
		}
		for _, entry := range revoked {
			revokedAt := time.Unix(entry.RevocationDate, 0).UTC().Format(time.RFC3339)
			fmt.Printf("%s\t%s\n", entry.Serial, revokedAt)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokedCmd)
}
