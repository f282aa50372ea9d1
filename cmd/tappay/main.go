package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vitwit/tappay"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "tappay",
		Short:         "Contactless crypto payments for point-of-sale terminals",
		Version:       tappay.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML); TAPPAY_* env vars override it")

	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
