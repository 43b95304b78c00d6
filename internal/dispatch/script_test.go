package dispatch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadScriptMissingFileReturnsDefault(t *testing.T) {
	s, err := LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if len(s.Steps) != len(DefaultScript().Steps) {
		t.Errorf("expected default script, got %v", s.Steps)
	}
}

func TestLoadScriptEmptyPathReturnsDefault(t *testing.T) {
	s, err := LoadScript("")
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if len(s.Steps) == 0 {
		t.Errorf("expected non-empty default steps")
	}
}

func TestLoadScriptParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.yaml")
	content := "steps:\n  - alpha.ping\n  - beta.pong\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	s, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if len(s.Steps) != 2 || s.Steps[0] != "alpha.ping" || s.Steps[1] != "beta.pong" {
		t.Errorf("unexpected steps: %v", s.Steps)
	}
}

func TestLoadScriptRejectsEmptySteps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.yaml")
	if err := os.WriteFile(path, []byte("steps: []\n"), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if _, err := LoadScript(path); err == nil {
		t.Error("expected error for empty steps")
	}
}
