package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/agentledger/internal/api"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "agentledger %s\n", api.Version)
		return nil
	},
}
