package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var envPath string

var rootCmd = &cobra.Command{
	Use:           "soluv",
	Short:         "Soluv core: problem-post collection and enrichment",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "path to .env file")
	rootCmd.AddCommand(serverCmd, workerCmd, collectCmd, reclusterCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
