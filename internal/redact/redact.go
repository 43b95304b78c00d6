// Package redact scrubs known secrets and sensitive keys out of arbitrary
// JSON-shaped data before it reaches the evidence log.
package redact

import (
	"regexp"
	"strings"
)

var bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]+`)

// sensitiveKeys are replaced wholesale, regardless of value, when found as
// a map key (case-insensitive).
var sensitiveKeys = map[string]bool{
	"authorization": true,
	"api_key":       true,
	"apikey":        true,
}

const redactedPlaceholder = "<redacted>"

// Text replaces every occurrence of a known secret, then scrubs any
// "Bearer <token>" substring regardless of whether the token matched a
// known secret.
func Text(text string, secrets []string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, redactedPlaceholder)
	}
	return bearerPattern.ReplaceAllString(text, "Bearer "+redactedPlaceholder)
}

// Value recursively redacts strings, slices, and maps. Map values under a
// sensitive key name are replaced wholesale without descending into them.
func Value(v any, secrets []string) any {
	switch x := v.(type) {
	case string:
		return Text(x, secrets)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Value(item, secrets)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = redactedPlaceholder
			} else {
				out[k] = Value(val, secrets)
			}
		}
		return out
	default:
		return v
	}
}

