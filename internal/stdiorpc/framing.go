// Package stdiorpc implements the LSP-style Content-Length-framed JSON-RPC
// 2.0 transport used to talk to MCP tool servers over stdio.
package stdiorpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var headerSeparator = []byte("\r\n\r\n")

// encodeMessage frames a JSON-RPC payload as `Content-Length: N\r\n\r\n<body>`.
func encodeMessage(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	return append([]byte(header), body...), nil
}

// tryParseOne greedily extracts one framed message from buf, returning the
// decoded body and whatever bytes remain after it. It returns ok=false when
// buf does not yet contain a complete frame (partial header or partial
// body), in which case the caller should read more and retry.
func tryParseOne(buf []byte) (body []byte, rest []byte, ok bool) {
	headerEnd := bytes.Index(buf, headerSeparator)
	if headerEnd == -1 {
		return nil, buf, false
	}

	headerText := string(buf[:headerEnd])
	contentLength := -1
	for _, line := range strings.Split(headerText, "\r\n") {
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err == nil {
				contentLength = n
			}
			break
		}
	}
	if contentLength < 0 {
		return nil, buf, false
	}

	bodyStart := headerEnd + len(headerSeparator)
	bodyEnd := bodyStart + contentLength
	if len(buf) < bodyEnd {
		return nil, buf, false
	}

	return buf[bodyStart:bodyEnd], buf[bodyEnd:], true
}
