package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pipewatch",
	Short: "Pipewatch - metered credential pool and monitoring scheduler",
	Long:  "Pipewatch rotates metered third-party API credentials, runs scheduled monitoring analyses through a webhook, and notifies owners when results are ready.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env file is the normal case in production.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
