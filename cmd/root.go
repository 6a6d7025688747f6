// Package cmd defines the CLI commands for the shufflefetch executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shufflefetch",
		Short: "Client-side shuffle fetcher",
		Long: `shufflefetch pulls produced attempt outputs from serving daemons
over HTTP and places each one in memory or on local disk under a global
memory budget. Work is described by a JSON manifest listing the hosts
and the attempts each host is expected to serve.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses built-in defaults and SHUFFLE_* env vars)")

	cmd.AddCommand(newFetchCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
