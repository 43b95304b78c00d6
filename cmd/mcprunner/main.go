package main

import (
	"fmt"
	"os"

	"github.com/relayforge/mcprunner/internal/envconfig"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
)

func main() {
	envconfig.LoadDotEnv()

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "mcprunner",
		Short:   "Drives a model through a scripted MCP tool-dispatch run",
		Version: version,
		Long: `mcprunner dispatches an LLM through a fixed sequence of MCP tool calls
against a registry of stdio MCP servers, recording every step to an
evidence log.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildDoctorCmd(),
		buildPoolCmd(),
	)

	return rootCmd
}

// exitCodeFor maps a command error to the process exit code described for
// this runner: 2 for configuration problems (whether found before the run
// starts or reported as a config-kind run failure), 1 for everything else.
func exitCodeFor(err error) int {
	if ce, ok := err.(*cliConfigError); ok {
		fmt.Fprintln(os.Stderr, ce.Error())
		return 2
	}
	fmt.Fprintln(os.Stderr, "mcprunner:", err)
	return 1
}

// cliConfigError marks an error as a configuration failure for exit-code
// purposes, distinct from a runtime failure during the dispatch loop itself.
type cliConfigError struct{ err error }

func (e *cliConfigError) Error() string { return e.err.Error() }
func (e *cliConfigError) Unwrap() error { return e.err }

func configError(err error) error {
	return &cliConfigError{err: err}
}
