package llmprovider

import (
	"context"
	"strings"
)

// MockProvider is a deterministic, credential-free Provider used for dry
// runs and tests: it echoes back a canned tool call for the registry scan
// bootstrap step, then a canned final answer, so a scripted smoke run can
// exercise the dispatch loop without reaching any network.
type MockProvider struct{}

var _ Provider = (*MockProvider)(nil)

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Doctor(ctx context.Context) DoctorReport {
	return DoctorReport{OK: true, Mode: "mock", Detail: map[string]any{}}
}

func (p *MockProvider) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	text := `{"tool":"workbench.registry.scan","arguments":{}}`
	for _, m := range messages {
		if m.Role == "user" && (strings.Contains(m.Content, "tool result") || strings.Contains(m.Content, "Tool result")) {
			text = `{"final":"mock response"}`
		}
	}
	return &ChatResponse{OutputText: text, Raw: map[string]any{"output_text": text}}, nil
}

func (p *MockProvider) ExtractText(raw map[string]any) string {
	return extractText(raw)
}
