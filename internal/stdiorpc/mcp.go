package stdiorpc

import (
	"context"
	"encoding/json"
	"fmt"
)

const protocolVersion = "2024-11-05"

// ToolSpec is one entry in a tools/list response.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Initialize performs the MCP handshake.
func Initialize(ctx context.Context, c *Client) (json.RawMessage, error) {
	return c.Request(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "mcprunner", "version": "0.1.0"},
	})
}

// ToolsList performs tools/list and decodes the tools array.
func ToolsList(ctx context.Context, c *Client) ([]ToolSpec, error) {
	raw, err := c.Request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Tools []ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("stdiorpc: parse tools/list response: %w", err)
	}
	return resp.Tools, nil
}

// ToolsCall performs tools/call for a named tool with the given arguments.
func ToolsCall(ctx context.Context, c *Client, name string, arguments any) (json.RawMessage, error) {
	return c.Request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
}
