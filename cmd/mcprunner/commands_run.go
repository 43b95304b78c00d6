package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relayforge/mcprunner/internal/dispatch"
	"github.com/relayforge/mcprunner/internal/llmprovider"
	"github.com/relayforge/mcprunner/internal/runerror"
)

// buildRunCmd creates the "run" command that executes one dispatch run.
func buildRunCmd() *cobra.Command {
	var (
		scriptPath string
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scripted tool-dispatch scenario once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, scriptPath, runID)
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "Path to a YAML dispatch script (default: built-in scenario)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to use (default: a generated uuid)")
	return cmd
}

func runRun(cmd *cobra.Command, scriptPath, runID string) error {
	ctx := cmd.Context()

	cfg := dispatch.ConfigFromEnv()
	if scriptPath != "" {
		cfg.ScriptPath = scriptPath
	}
	script, err := dispatch.LoadScript(cfg.ScriptPath)
	if err != nil {
		return configError(err)
	}

	provider, err := llmprovider.Resolve(ctx)
	if err != nil {
		return configError(err)
	}

	if runID == "" {
		runID = uuid.New().String()
	}

	runner := dispatch.NewRunner(cfg, provider, script, runID)
	summary, err := runner.Run(ctx)
	if err != nil {
		if re, ok := err.(*runerror.RunError); ok && re.Kind == runerror.KindConfig {
			return configError(err)
		}
		return err
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if summary.ErrorKind != "" {
		if summary.ErrorKind == string(runerror.KindConfig) {
			return configError(fmt.Errorf("%s", summary.Error))
		}
		return fmt.Errorf("run failed: %s: %s", summary.ErrorKind, summary.Error)
	}
	return nil
}
