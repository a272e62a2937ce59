package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List signing requests awaiting issuance",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		pending, err := s.PendingRequests()
		if err != nil {
			return err
		}
		for _, req := range pending {
			fmt.Printf("%d\t%d bytes\n", req.ID, len(req.CSR))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}
