package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/relayforge/mcprunner/internal/stdiorpc"
)

const registryFileVersion = 1

// Scanner discovers manifests under serversDir and handshakes with each
// independently, so one broken server never prevents another from being
// registered.
type Scanner struct {
	ServersDir string
	Timeout    time.Duration
}

// Scan runs one full discovery pass and returns the resulting registry
// file (not yet persisted — see WriteFile).
func (s *Scanner) Scan(ctx context.Context) (*File, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	entries, err := os.ReadDir(s.ServersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Version: registryFileVersion, UpdatedAt: nowISO(), Servers: map[string]ServerRecord{}}, nil
		}
		return nil, fmt.Errorf("registry: read servers dir %s: %w", s.ServersDir, err)
	}

	servers := map[string]ServerRecord{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(s.ServersDir, entry.Name(), "manifest.json")
		manifest, err := loadManifest(manifestPath)
		if err != nil {
			log.Printf("[Registry] WARNING: skipping %s: %v", entry.Name(), err)
			continue
		}
		if manifest.Name == selfServerName {
			continue
		}

		record := s.scanOne(ctx, manifest, timeout)
		servers[manifest.Name] = record
	}

	return &File{
		Version:   registryFileVersion,
		UpdatedAt: nowISO(),
		Servers:   servers,
	}, nil
}

// scanOne starts one server, handshakes, lists its tools, and always kills
// the process afterward, regardless of outcome.
func (s *Scanner) scanOne(ctx context.Context, manifest Manifest, timeout time.Duration) ServerRecord {
	record := ServerRecord{
		Version:       registryFileVersion,
		Name:          manifest.Name,
		Manifest:      manifest,
		LastScannedAt: nowISO(),
	}

	client := &stdiorpc.Client{Command: manifest.Command, Cwd: manifest.Cwd, Env: envSlice(manifest.Env)}
	defer client.Stop()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := stdiorpc.Initialize(reqCtx, client); err != nil {
		record.LastError = fmt.Sprintf("initialize: %v", err)
		return record
	}

	tools, err := stdiorpc.ToolsList(reqCtx, client)
	if err != nil {
		record.LastError = fmt.Sprintf("tools/list: %v", err)
		return record
	}

	record.LastHandshakeOk = true
	record.Tools = tools
	return record
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != 1 {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if m.Transport != "stdio" {
		return Manifest{}, fmt.Errorf("unsupported transport %q", m.Transport)
	}
	if len(m.Command) == 0 {
		return Manifest{}, fmt.Errorf("manifest missing command")
	}
	if m.Name == "" {
		return Manifest{}, fmt.Errorf("manifest missing name")
	}
	return m, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// WriteFile atomically persists f to path.
func WriteFile(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("registry: create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// LoadFile reads a registry file from disk.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return &f, nil
}

// ToolServerMap derives the toolName → serverName mapping, assuming tool
// names are globally unique across servers.
func (f *File) ToolServerMap() map[string]string {
	out := map[string]string{}
	for name, rec := range f.Servers {
		for _, tool := range rec.Tools {
			out[tool.Name] = name
		}
	}
	return out
}
