// Package llmprovider implements the narrow capability interface the
// dispatch loop drives a model through, plus the OAuth-backed and
// key-based implementations of it.
package llmprovider

import "context"

// Message is one chat turn, matching the Codex "instructions + input"
// split performed by toInstructionsAndInput.
type Message struct {
	Role    string
	Content string
}

// ChatResponse is the provider-agnostic shape every implementation reduces
// its vendor response to.
type ChatResponse struct {
	OutputText string
	Raw        map[string]any
}

// DoctorReport is the health-check payload returned by Doctor().
type DoctorReport struct {
	OK       bool
	Mode     string
	Detail   map[string]any
	Err      error
}

// Provider is the dynamic-dispatch capability interface every vendor/auth
// combination implements: Doctor for a cheap readiness probe, Chat for one
// request/response turn, ExtractText for pulling plain text out of a raw
// response shape.
type Provider interface {
	Doctor(ctx context.Context) DoctorReport
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)
	ExtractText(raw map[string]any) string
}
