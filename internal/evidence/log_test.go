package evidence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestAppendWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	l, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Append("run.start", map[string]any{"runId": "r1"})
	l.Append("run.final", map[string]any{"ok": true})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := raw["schemaVersion"].(float64); !ok || v != SchemaVersion {
		t.Errorf("schemaVersion = %v, want %d", raw["schemaVersion"], SchemaVersion)
	}
	if raw["type"] != "run.start" {
		t.Errorf("type = %v, want run.start", raw["type"])
	}
	if _, ok := raw["at"].(string); !ok {
		t.Errorf("at missing or not a string: %v", raw["at"])
	}
	if _, ok := raw["data"]; ok {
		t.Errorf("expected payload fields flattened, found nested \"data\" key: %v", raw)
	}
	if raw["runId"] != "r1" {
		t.Errorf("runId = %v, want r1 (payload fields must be flattened at top level)", raw["runId"])
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal into Event: %v", err)
	}
	if ev.Type != "run.start" {
		t.Errorf("Type = %q, want run.start", ev.Type)
	}
}

// Q8: once the byte budget is exceeded, a single evidence.truncated event
// is latched and all further events are dropped.
func TestAppendTruncatesOverBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	l, err := Open(path, 80)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		l.Append("tool.call", map[string]any{"n": i, "padding": strings.Repeat("x", 50)})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	truncatedCount := 0
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type == "evidence.truncated" {
			truncatedCount++
		}
	}
	if truncatedCount != 1 {
		t.Errorf("expected exactly 1 evidence.truncated event, got %d", truncatedCount)
	}
}

func TestAppendUnboundedWhenMaxBytesZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	l, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 100; i++ {
		l.Append("tool.call", map[string]any{"n": i})
	}
	l.Close()
	lines := readLines(t, path)
	if len(lines) != 100 {
		t.Errorf("expected 100 lines with unbounded budget, got %d", len(lines))
	}
}
