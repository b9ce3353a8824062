// Package main is the entry point for the sequencer. It serves the HTTP
// API, runs a single sequence file from the command line, or validates
// sequence definitions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/sequencer/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	observability.Version = version
	observability.Commit = commit

	root := &cobra.Command{
		Use:           "sequencer",
		Short:         "Run multi-step skill sequences with approval gates",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "path to configuration file")

	root.AddCommand(newServeCmd(), newRunCmd(), newValidateCmd())
	return root
}
