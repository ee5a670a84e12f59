// Package cmd defines the CLI commands for the sitegauge executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitegauge",
		Short: "Batch URL quality analysis service",
		Long: `sitegauge runs batches of URL quality analyses as background jobs.
Submitted batches are executed under a global concurrency cap with retries,
per-host circuit breaking and graceful degradation, and progress is exposed
over HTTP, Prometheus metrics and Pub/Sub notifications.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
