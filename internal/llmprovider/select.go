package llmprovider

import (
	"context"
	"fmt"

	"github.com/relayforge/mcprunner/internal/envconfig"
)

// Mode selects which Provider implementation Resolve builds.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeOAuth Mode = "oauth"
	ModeKey   Mode = "key"
	ModeMock  Mode = "mock"
)

// Resolve picks a Provider the way the provider-selection mode flag does:
// an explicit mode wins outright; "auto" prefers OAuth
// credentials (pool file or legacy token file) over a plain API key, and
// falls back to the deterministic mock when neither is configured, so a
// dry run never needs live credentials.
func Resolve(ctx context.Context) (Provider, error) {
	mode := Mode(envconfig.String("MCPRUNNER_LLM_PROVIDER", string(ModeAuto)))

	switch mode {
	case ModeMock:
		return NewMockProvider(), nil
	case ModeOAuth:
		return NewOAuthProvider(OAuthConfigFromEnv()), nil
	case ModeKey:
		return NewKeyProvider(KeyConfigFromEnv())
	case ModeAuto:
		oauthCfg := OAuthConfigFromEnv()
		if hasOAuthCredentials(oauthCfg) {
			return NewOAuthProvider(oauthCfg), nil
		}
		keyCfg := KeyConfigFromEnv()
		if keyCfg.APIKey != "" {
			return NewKeyProvider(keyCfg)
		}
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown MCPRUNNER_LLM_PROVIDER %q (want auto, oauth, key, or mock)", mode)
	}
}

func hasOAuthCredentials(cfg *OAuthConfig) bool {
	return fileExists(cfg.PoolPath) || fileExists(cfg.LegacyTokenPath)
}
