// Package registry discovers MCP tool servers on disk, handshakes with
// each in isolation, and records the result in an on-disk registry file
// that the dispatch loop consults to resolve a tool name to a server.
package registry

import "github.com/relayforge/mcprunner/internal/stdiorpc"

// Manifest is one server's mcp/servers/<name>/manifest.json.
type Manifest struct {
	Version   int      `json:"version"`
	Name      string   `json:"name"`
	Transport string   `json:"transport"`
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// ServerRecord is the per-server entry written to the registry file.
type ServerRecord struct {
	Version          int                  `json:"version"`
	Name             string               `json:"name"`
	Manifest         Manifest             `json:"manifest"`
	LastScannedAt    string               `json:"lastScannedAt"`
	LastHandshakeOk  bool                 `json:"lastHandshakeOk"`
	LastError        string               `json:"lastError,omitempty"`
	Tools            []stdiorpc.ToolSpec  `json:"tools,omitempty"`
}

// File is the full on-disk registry document.
type File struct {
	Version   int                     `json:"version"`
	UpdatedAt string                  `json:"updatedAt"`
	Servers   map[string]ServerRecord `json:"servers"`
}

// selfServerName is excluded from scanning: the registry server itself
// cannot usefully appear in its own registry.
const selfServerName = "workbench.registry"
