// Package dispatch implements the tool-dispatch loop: it drives an
// llmprovider.Provider through a fixed sequence of tool calls, resolves
// each call against the registry mapping, dispatches it over stdiorpc,
// and records everything to an evidence log after redaction.
package dispatch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Script is the fixed sequence of tool names the model is steered through,
// externalized to YAML so an operator can edit it without a rebuild.
type Script struct {
	Steps []string `yaml:"steps"`
}

// DefaultScript mirrors the original smoke scenario: scan the registry,
// then exercise a minimal workflow upload/status/update/status sequence.
func DefaultScript() *Script {
	return &Script{
		Steps: []string{
			"workbench.registry.scan",
			"workbench.workflow.upload",
			"workbench.workflow.status",
			"workbench.workflow.update",
			"workbench.workflow.status",
		},
	}
}

// LoadScript reads a YAML script file, or returns DefaultScript if path is
// empty or the file does not exist.
func LoadScript(path string) (*Script, error) {
	if path == "" {
		return DefaultScript(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultScript(), nil
		}
		return nil, fmt.Errorf("read dispatch script %s: %w", path, err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse dispatch script %s: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("dispatch script %s names no steps", path)
	}
	return &s, nil
}

// registryScanTool is the well-known tool name always routed to the
// statically-known registry server, never looked up via the discovered
// mapping.
const registryScanTool = "workbench.registry.scan"

// registryServerName is the self-named server the scanner excludes from
// discovery and the dispatch loop spawns directly.
const registryServerName = "workbench.registry"
