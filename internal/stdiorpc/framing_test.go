package stdiorpc

import "testing"

func TestEncodeMessageRoundTrip(t *testing.T) {
	framed, err := encodeMessage(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	body, rest, ok := tryParseOne(framed)
	if !ok {
		t.Fatal("tryParseOne: expected a complete frame")
	}
	if len(rest) != 0 {
		t.Errorf("expected no leftover bytes, got %d", len(rest))
	}
	if string(body) == "" {
		t.Error("expected non-empty body")
	}
}

// S5: a frame arriving split across two reads must reassemble correctly
// once the remainder lands.
func TestTryParseOnePartialRead(t *testing.T) {
	framed, err := encodeMessage(map[string]any{"jsonrpc": "2.0", "id": 7, "method": "noop"})
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	split := len(framed) / 2

	_, rest, ok := tryParseOne(framed[:split])
	if ok {
		t.Fatal("expected incomplete frame to not parse")
	}
	if string(rest) != string(framed[:split]) {
		t.Error("expected incomplete buffer returned unchanged")
	}

	full := append(append([]byte{}, framed[:split]...), framed[split:]...)
	body, remainder, ok := tryParseOne(full)
	if !ok {
		t.Fatal("expected reassembled frame to parse")
	}
	if len(remainder) != 0 {
		t.Errorf("expected no leftover bytes, got %d", len(remainder))
	}
	if len(body) == 0 {
		t.Error("expected non-empty body")
	}
}

func TestTryParseOneTwoFramesInOneBuffer(t *testing.T) {
	f1, _ := encodeMessage(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "a"})
	f2, _ := encodeMessage(map[string]any{"jsonrpc": "2.0", "id": 2, "method": "b"})
	buf := append(append([]byte{}, f1...), f2...)

	_, rest, ok := tryParseOne(buf)
	if !ok {
		t.Fatal("expected first frame to parse")
	}
	_, rest2, ok := tryParseOne(rest)
	if !ok {
		t.Fatal("expected second frame to parse")
	}
	if len(rest2) != 0 {
		t.Errorf("expected buffer exhausted, got %d bytes left", len(rest2))
	}
}

func TestTryParseOneMissingContentLength(t *testing.T) {
	buf := []byte("X-Custom: nope\r\n\r\n{}")
	_, rest, ok := tryParseOne(buf)
	if ok {
		t.Error("expected frame without Content-Length to not parse")
	}
	if string(rest) != string(buf) {
		t.Error("expected buffer returned unchanged")
	}
}
