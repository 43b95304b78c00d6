package llmprovider

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/relayforge/mcprunner/internal/envconfig"
	openailib "github.com/sashabaranov/go-openai"
)

// KeyConfig configures KeyProvider, the plain API-key OpenAI-compatible
// fallback used when no OAuth pool/token file is present.
type KeyConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32
	MaxTokens   int
	MaxRetries  int
	HTTPTimeout int
}

// KeyConfigFromEnv mirrors Config.NewConfigFromEnv, scoped to the fields
// this provider actually uses.
func KeyConfigFromEnv() *KeyConfig {
	cfg := &KeyConfig{
		APIKey:      envconfig.String("MCPRUNNER_OPENAI_API_KEY", ""),
		BaseURL:     envconfig.String("MCPRUNNER_OPENAI_BASE_URL", ""),
		Model:       envconfig.String("MCPRUNNER_OPENAI_MODEL", "gpt-4o-mini"),
		MaxTokens:   envconfig.Int("MCPRUNNER_OPENAI_MAX_TOKENS", 0),
		MaxRetries:  envconfig.Int("MCPRUNNER_OPENAI_MAX_RETRIES", 2),
		HTTPTimeout: envconfig.Int("MCPRUNNER_OPENAI_HTTP_TIMEOUT", 120),
	}
	if t := envconfig.Float32Ptr("MCPRUNNER_OPENAI_TEMPERATURE"); t != nil {
		cfg.Temperature = t
	}
	return cfg
}

func (c *KeyConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("missing OpenAI API key: set MCPRUNNER_OPENAI_API_KEY")
	}
	return nil
}

// KeyProvider implements Provider using a plain OpenAI-compatible API key,
// the fallback path when no OAuth credentials are configured.
type KeyProvider struct {
	cfg    *KeyConfig
	client *openailib.Client
}

var _ Provider = (*KeyProvider)(nil)

func NewKeyProvider(cfg *KeyConfig) (*KeyProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientConfig := openailib.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: time.Duration(cfg.HTTPTimeout) * time.Second}
	return &KeyProvider{
		cfg:    cfg,
		client: openailib.NewClientWithConfig(clientConfig),
	}, nil
}

func (p *KeyProvider) Doctor(ctx context.Context) DoctorReport {
	return DoctorReport{
		OK:   true,
		Mode: "openai-api-key",
		Detail: map[string]any{
			"baseUrl": p.cfg.BaseURL,
			"model":   p.cfg.Model,
		},
	}
}

func (p *KeyProvider) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	chatMsgs := make([]openailib.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		chatMsgs[i] = openailib.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	req := openailib.ChatCompletionRequest{
		Model:    p.cfg.Model,
		Messages: chatMsgs,
	}
	if p.cfg.Temperature != nil {
		req.Temperature = *p.cfg.Temperature
	}
	if p.cfg.MaxTokens > 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}

	var resp openailib.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		resp, lastErr = p.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if attempt < p.cfg.MaxRetries {
			wait := time.Duration(attempt+1) * time.Second
			log.Printf("[KeyProvider] retry %d/%d after %v, error: %v", attempt+1, p.cfg.MaxRetries, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("LLM call failed after %d retries: %w", p.cfg.MaxRetries, lastErr)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from LLM")
	}

	content := resp.Choices[0].Message.Content
	return &ChatResponse{
		OutputText: content,
		Raw: map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
		},
	}, nil
}

func (p *KeyProvider) ExtractText(raw map[string]any) string {
	return extractText(raw)
}
