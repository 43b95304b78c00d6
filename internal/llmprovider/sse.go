package llmprovider

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// readSSE consumes a `data: ` line-oriented server-sent-events stream and
// reduces it to a single output string, following the same two-event-type
// handling as the vendor's streaming responses API:
//   - response.output_text.delta: append Delta to the running text
//   - response.completed: if the final response carries output_text,
//     that wins outright and streaming stops early
//
// Any other event is kept as the "last event seen" fallback, mirrored in
// the returned lastEvent so a caller can fall back to it when no delta or
// completed-with-text event ever arrived.
func readSSE(body io.Reader) (text string, lastEvent map[string]any, err error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var parts []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var event map[string]any
		if jerr := json.Unmarshal([]byte(data), &event); jerr != nil {
			continue
		}
		lastEvent = event

		switch event["type"] {
		case "response.output_text.delta":
			if delta, ok := event["delta"].(string); ok {
				parts = append(parts, delta)
			}
		case "response.completed":
			if resp, ok := event["response"].(map[string]any); ok {
				if outputText, ok := resp["output_text"].(string); ok {
					return outputText, event, nil
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", lastEvent, err
	}

	if len(parts) > 0 {
		return strings.Join(parts, ""), lastEvent, nil
	}
	return "", lastEvent, nil
}
