// Package evidence implements the append-only, byte-budgeted JSON-Lines
// run log every dispatch loop run produces.
package evidence

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// SchemaVersion is the on-disk evidence-event schema version every line in
// events.jsonl is stamped with.
const SchemaVersion = 1

// Event is one JSON-Lines entry. Type is one of the event kinds enumerated
// in the external interfaces (run.start, llm.request, llm.response,
// llm.parse_error, tool.call, tool.rejected, registry.loaded,
// provider.doctor, openai_oauth.rotate, run.final, run.error,
// evidence.truncated). On the wire an Event is flattened: schemaVersion,
// type, and at sit alongside the payload fields in a single JSON object,
// rather than nesting the payload under a "data" key.
type Event struct {
	Type string
	At   string
	Data map[string]any
}

// MarshalJSON flattens schemaVersion/type/at and the payload fields into a
// single JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["schemaVersion"] = SchemaVersion
	out["type"] = e.Type
	out["at"] = e.At
	return json.Marshal(out)
}

// UnmarshalJSON splits the flattened wire shape back into Type/At/Data.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = v
	}
	if v, ok := raw["at"].(string); ok {
		e.At = v
	}
	delete(raw, "schemaVersion")
	delete(raw, "type")
	delete(raw, "at")
	e.Data = raw
	return nil
}

// Log is an append-only JSON-Lines writer with a total byte budget. Once
// the budget is exceeded, it writes a single evidence.truncated event and
// silently drops everything after — later Append calls are cheap no-ops.
type Log struct {
	mu         sync.Mutex
	file       *os.File
	maxBytes   int64
	written    int64
	disabled   bool
	didLatch   bool
}

// Open creates (or truncates) the evidence file at path with the given
// byte budget. maxBytes <= 0 means unbounded.
func Open(path string, maxBytes int64) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("evidence: open %s: %w", path, err)
	}
	return &Log{file: f, maxBytes: maxBytes}, nil
}

// Append writes one event, silently dropping it (after writing one
// evidence.truncated latch event) if the byte budget has been exceeded.
func (l *Log) Append(kind string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled {
		return
	}

	line, err := json.Marshal(Event{Type: kind, At: nowISO(), Data: data})
	if err != nil {
		log.Printf("[Evidence] WARNING: failed to marshal event %s: %v", kind, err)
		return
	}
	line = append(line, '\n')

	if l.maxBytes > 0 && l.written+int64(len(line)) > l.maxBytes {
		if !l.didLatch {
			l.didLatch = true
			latch, _ := json.Marshal(Event{Type: "evidence.truncated", At: nowISO(), Data: map[string]any{
				"maxBytes": l.maxBytes,
				"writtenBytes": l.written,
			}})
			latch = append(latch, '\n')
			if _, werr := l.file.Write(latch); werr != nil {
				log.Printf("[Evidence] WARNING: failed to write truncation latch: %v", werr)
			} else {
				l.written += int64(len(latch))
			}
		}
		l.disabled = true
		return
	}

	if _, err := l.file.Write(line); err != nil {
		log.Printf("[Evidence] WARNING: failed to append event %s: %v", kind, err)
		return
	}
	l.written += int64(len(line))
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
