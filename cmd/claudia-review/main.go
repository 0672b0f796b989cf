package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "claudia-review",
		Short: "Claudia Review - concurrent PR review orchestrator",
		Long: `Claudia Review turns Slack posts marked with a reminder reaction into
review tasks and runs Claude review sessions against the linked pull
requests, bounded by a parallelism cap.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
