package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitwit/cryptopay/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "cryptopay",
		Short:         "Crypto payment reconciliation for point-of-sale terminals",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "dotenv files to load before the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(quoteCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	files, err := cmd.Flags().GetStringSlice("env-file")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(files...)
}
