package stdiorpc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// writeTmpEchoServer writes a tiny Python MCP-stdio echo server: it reads
// one framed request at a time and replies with a result that echoes the
// method name, so tests can assert on request/response correlation without
// a real MCP tool server.
func writeTmpEchoServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "echo_server.py")
	script := `
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
    write_message({"jsonrpc": "2.0", "id": msg["id"], "result": {"echo": msg["method"]}})
`
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		t.Fatalf("write echo server: %v", err)
	}
	return path
}

func TestClientRequestResponseCorrelation(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	script := writeTmpEchoServer(t)
	c := &Client{Command: []string{"python3", script}}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := c.Request(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(raw) == "" {
		t.Error("expected non-empty result")
	}
}

func TestClientStopWhenNotStarted(t *testing.T) {
	c := &Client{Command: []string{"python3", "-c", "pass"}}
	c.Stop() // must not panic
}

func TestClientRequestTimesOutWhenProcessHangs(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	c := &Client{Command: []string{"python3", "-c", "import time; time.sleep(30)"}}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, "ping", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
