package llmprovider

import (
	"fmt"

	"github.com/relayforge/mcprunner/internal/envconfig"
)

// OAuthConfig configures OpenAICodexOAuthProvider, grounded on
// OpenAICodexOAuthConfig / OpenAICodexOAuthProvider.from_env.
type OAuthConfig struct {
	Issuer               string
	ClientID             string
	Model                string
	CodexEndpoint        string
	PoolPath             string
	LegacyTokenPath      string
	SelectionProfile     string
	SelectionStrategy    string
	RotateOnRateLimit    bool
	MaxRotations         int
}

// OAuthConfigFromEnv builds OAuthConfig, client id and model may still be
// empty after this call — OAuthProvider.Doctor/Chat fill them in from a
// previously saved pool file, exactly as the original from_env's "avoid
// manual guesswork" fallback does. The legacy token file carries neither.
func OAuthConfigFromEnv() *OAuthConfig {
	stateDir := envconfig.String("MCPRUNNER_STATE_DIR", ".mcprunner")
	return &OAuthConfig{
		Issuer:            trimSlash(envconfig.String("MCPRUNNER_OPENAI_OAUTH_ISSUER", "https://auth.openai.com")),
		ClientID:          envconfig.String("MCPRUNNER_OPENAI_OAUTH_CLIENT_ID", ""),
		Model:             envconfig.String("MCPRUNNER_OPENAI_MODEL", ""),
		CodexEndpoint:     envconfig.String("MCPRUNNER_OPENAI_CODEX_ENDPOINT", "https://chatgpt.com/backend-api/codex/responses"),
		PoolPath:          envconfig.String("MCPRUNNER_OPENAI_OAUTH_POOL_PATH", stateDir+"/auth/openai_codex_oauth_pool.json"),
		LegacyTokenPath:   envconfig.String("MCPRUNNER_OPENAI_OAUTH_TOKEN_PATH", stateDir+"/auth/openai_codex_oauth.json"),
		SelectionProfile:  envconfig.String("MCPRUNNER_OPENAI_OAUTH_PROFILE", ""),
		SelectionStrategy: envconfig.String("MCPRUNNER_OPENAI_OAUTH_STRATEGY", "sticky"),
		RotateOnRateLimit: envconfig.Bool("MCPRUNNER_OPENAI_OAUTH_ROTATE_ON_RATE_LIMIT", true),
		MaxRotations:      envconfig.Int("MCPRUNNER_OPENAI_OAUTH_MAX_ROTATIONS", 0),
	}
}

// Validate reports a config-kind error when the client id cannot be
// resolved from any source (env, pool file, legacy token file) by the
// caller that already tried all three.
func (c *OAuthConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("missing OpenAI OAuth client id: set MCPRUNNER_OPENAI_OAUTH_CLIENT_ID or populate the OAuth pool/token file")
	}
	return nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
