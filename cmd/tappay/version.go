package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/vitwit/tappay"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tappay.GetVersion())
		},
	}
}
