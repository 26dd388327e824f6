// Package main provides the CLI entry point for ksid, the KSI
// multi-agent orchestration daemon.
//
// Start the daemon:
//
//	ksid serve --config ksid.yaml
//
// Check a running daemon:
//
//	ksid status
//
// Configuration can also be supplied via KSI_-prefixed environment
// variables (KSI_SOCKET_PATH, KSI_LOG_LEVEL, KSI_PATHS_BASE, ...).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "ksid",
		Short:         "KSI multi-agent orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildStopCmd(),
		buildReloadCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ksid %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
