package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relayforge/mcprunner/internal/llmprovider"
	"github.com/relayforge/mcprunner/internal/runtime"
)

// buildDoctorCmd creates the "doctor" command: a provider health probe that
// makes no network call, mirroring Provider.Doctor's "selection only" contract.
func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report the resolved LLM provider's health without calling it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd)
		},
	}
}

func runDoctor(cmd *cobra.Command) error {
	ctx := cmd.Context()
	provider, err := llmprovider.Resolve(ctx)
	if err != nil {
		return configError(err)
	}

	report := provider.Doctor(ctx)
	runtimes := runtime.Probe()
	out, err := json.MarshalIndent(map[string]any{
		"ok":       report.OK,
		"mode":     report.Mode,
		"detail":   report.Detail,
		"runtimes": runtimes,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !report.OK {
		if report.Err != nil {
			return configError(report.Err)
		}
		return configError(fmt.Errorf("provider %q is not usable", report.Mode))
	}
	if !runtimes.BunAvailable && !runtimes.NodeAvailable {
		return configError(fmt.Errorf("neither bun nor node was found on PATH; MCP servers cannot be launched"))
	}
	return nil
}
