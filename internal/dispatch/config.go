package dispatch

import (
	"strings"

	"github.com/relayforge/mcprunner/internal/envconfig"
)

// Config collects the dispatch loop's environment-derived settings.
type Config struct {
	StateDir          string
	ScriptPath        string
	RegistryCommand   []string
	RegistryCwd       string
	ServersDir        string
	MaxSteps          int
	EvidenceMaxBytes  int64
	ToolCallTimeoutMs int
	ScanTimeoutMs     int
	LogPreviewRunes   int
}

// ConfigFromEnv builds a Config from environment variables, falling back
// to the same defaults a fixed-constant run would have used.
func ConfigFromEnv() *Config {
	stateDir := envconfig.String("MCPRUNNER_STATE_DIR", ".mcprunner")
	registryCmd := envconfig.String("MCPRUNNER_REGISTRY_COMMAND", "bun mcp/servers/registry/src/index.js")
	return &Config{
		StateDir:          stateDir,
		ScriptPath:        envconfig.String("MCPRUNNER_DISPATCH_SCRIPT", ""),
		RegistryCommand:   strings.Fields(registryCmd),
		RegistryCwd:       envconfig.String("MCPRUNNER_REGISTRY_CWD", "."),
		ServersDir:        envconfig.String("MCPRUNNER_SERVERS_DIR", "mcp/servers"),
		MaxSteps:          envconfig.Int("MCPRUNNER_MAX_STEPS", 12),
		EvidenceMaxBytes:  envconfig.Int64("MCPRUNNER_EVIDENCE_MAX_BYTES", 20_000_000),
		ToolCallTimeoutMs: envconfig.Int("MCPRUNNER_TOOL_CALL_TIMEOUT_MS", 60_000),
		ScanTimeoutMs:     envconfig.Int("MCPRUNNER_SCAN_TIMEOUT_MS", 120_000),
		LogPreviewRunes:   envconfig.Int("MCPRUNNER_LOG_PREVIEW_RUNES", 20_000),
	}
}
