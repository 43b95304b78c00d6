package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayforge/mcprunner/internal/llmprovider"
	"github.com/relayforge/mcprunner/internal/runerror"
)

// fakeProvider replays a fixed sequence of chat responses, one per call,
// clamping to the last entry once exhausted.
type fakeProvider struct {
	texts []string
	calls int
}

func (p *fakeProvider) Doctor(ctx context.Context) llmprovider.DoctorReport {
	return llmprovider.DoctorReport{OK: true, Mode: "fake"}
}

func (p *fakeProvider) Chat(ctx context.Context, messages []llmprovider.Message) (*llmprovider.ChatResponse, error) {
	i := p.calls
	if i >= len(p.texts) {
		i = len(p.texts) - 1
	}
	p.calls++
	text := p.texts[i]
	return &llmprovider.ChatResponse{OutputText: text, Raw: map[string]any{"output_text": text}}, nil
}

func (p *fakeProvider) ExtractText(raw map[string]any) string {
	if s, ok := raw["output_text"].(string); ok {
		return s
	}
	return ""
}

// writeRegistryFixture writes a tiny python MCP stdio server standing in
// for the statically-known registry server: it answers initialize,
// tools/list (empty) and tools/call for any tool with a trivial json
// content payload carrying an "id".
func writeRegistryFixture(t *testing.T, dir string) []string {
	t.Helper()
	script := filepath.Join(dir, "registry_server.py")
	src := `
import json, sys

def read_message():
    header = b""
    while b"\r\n\r\n" not in header:
        b = sys.stdin.buffer.read(1)
        if not b:
            return None
        header += b
    length = 0
    for line in header.split(b"\r\n"):
        if line.lower().startswith(b"content-length"):
            length = int(line.split(b":")[1].strip())
    body = sys.stdin.buffer.read(length)
    return json.loads(body)

def write_message(obj):
    body = json.dumps(obj).encode("utf-8")
    header = ("Content-Length: %d\r\n\r\n" % len(body)).encode("utf-8")
    sys.stdout.buffer.write(header + body)
    sys.stdout.buffer.flush()

while True:
    msg = read_message()
    if msg is None:
        break
    method = msg.get("method")
    if method == "initialize":
        write_message({"jsonrpc": "2.0", "id": msg["id"], "result": {}})
    elif method == "tools/list":
        write_message({"jsonrpc": "2.0", "id": msg["id"], "result": {"tools": []}})
    elif method == "tools/call":
        write_message({"jsonrpc": "2.0", "id": msg["id"], "result": {"content": [{"type": "json", "json": {"id": "wf_1"}}]}})
`
	if err := os.WriteFile(script, []byte(src), 0o600); err != nil {
		t.Fatalf("write registry fixture: %v", err)
	}
	return []string{"python3", script}
}

func readEvidenceKinds(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open evidence: %v", err)
	}
	defer f.Close()
	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("parse evidence line: %v", err)
		}
		kinds = append(kinds, ev.Type)
	}
	return kinds
}

func countKind(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestDispatchFiveStrike(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	stateDir := t.TempDir()
	cmd := writeRegistryFixture(t, t.TempDir())

	cfg := &Config{
		StateDir:        stateDir,
		RegistryCommand: cmd,
		ServersDir:      filepath.Join(stateDir, "empty-servers"),
		MaxSteps:        12,
		ScanTimeoutMs:   5000,
	}
	provider := &fakeProvider{texts: []string{"not json"}}
	runner := NewRunner(cfg, provider, DefaultScript(), "test-run")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned unexpected top-level error: %v", err)
	}
	if summary.ErrorKind != string(runerror.KindParse) {
		t.Fatalf("expected errorKind=parse, got %q (error=%s)", summary.ErrorKind, summary.Error)
	}

	kinds := readEvidenceKinds(t, filepath.Join(stateDir, "runs", "test-run", "events.jsonl"))
	if n := countKind(kinds, "llm.parse_error"); n != 5 {
		t.Errorf("expected exactly 5 llm.parse_error events, got %d (%v)", n, kinds)
	}
	if n := countKind(kinds, "run.error"); n != 1 {
		t.Errorf("expected exactly 1 run.error event, got %d", n)
	}
}

func TestDispatchToolMismatchFiveStrike(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	stateDir := t.TempDir()
	cmd := writeRegistryFixture(t, t.TempDir())

	cfg := &Config{
		StateDir:        stateDir,
		RegistryCommand: cmd,
		ServersDir:      filepath.Join(stateDir, "empty-servers"),
		MaxSteps:        12,
		ScanTimeoutMs:   5000,
	}
	script := &Script{Steps: []string{registryScanTool}}
	provider := &fakeProvider{texts: []string{`{"tool":"wrong.tool","arguments":{}}`}}
	runner := NewRunner(cfg, provider, script, "test-run-mismatch")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned unexpected top-level error: %v", err)
	}
	if summary.ErrorKind != string(runerror.KindToolMismatch) {
		t.Fatalf("expected errorKind=tool_mismatch, got %q (error=%s)", summary.ErrorKind, summary.Error)
	}

	kinds := readEvidenceKinds(t, filepath.Join(stateDir, "runs", "test-run-mismatch", "events.jsonl"))
	if n := countKind(kinds, "tool.rejected"); n != 5 {
		t.Errorf("expected exactly 5 tool.rejected events, got %d (%v)", n, kinds)
	}
}

func TestDispatchFollowsScript(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	stateDir := t.TempDir()
	cmd := writeRegistryFixture(t, t.TempDir())

	cfg := &Config{
		StateDir:        stateDir,
		RegistryCommand: cmd,
		ServersDir:      filepath.Join(stateDir, "empty-servers"),
		MaxSteps:        12,
		ScanTimeoutMs:   5000,
	}
	script := &Script{Steps: []string{registryScanTool}}
	provider := &fakeProvider{texts: []string{
		`{"tool":"workbench.registry.scan","arguments":{}}`,
		`{"final":"done"}`,
	}}
	runner := NewRunner(cfg, provider, script, "test-run-2")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned unexpected top-level error: %v", err)
	}
	if summary.ErrorKind != "" {
		t.Fatalf("expected no error, got kind=%s err=%s", summary.ErrorKind, summary.Error)
	}
	if len(summary.ToolCallsSeen) != 1 || summary.ToolCallsSeen[0] != registryScanTool {
		t.Errorf("expected toolCallsSeen=[%s], got %v", registryScanTool, summary.ToolCallsSeen)
	}
}
