package oauth

import (
	"github.com/golang-jwt/jwt/v5"
)

// ExtractAccountID pulls the ChatGPT/OpenAI account id out of an access
// token's claims: a top-level claim, then a namespaced claim under the auth
// URL, then the first organization id. We never hold the issuer's signing
// key here — we only need to read claims off a token we were just handed by
// the token endpoint — so the token is parsed unverified.
func ExtractAccountID(accessToken string) string {
	if accessToken == "" {
		return ""
	}
	var claims jwt.MapClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return ""
	}

	if v, ok := claims["chatgpt_account_id"].(string); ok && v != "" {
		return v
	}

	if auth, ok := claims["https://api.openai.com/auth"].(map[string]interface{}); ok {
		if v, ok := auth["chatgpt_account_id"].(string); ok && v != "" {
			return v
		}
	}

	if orgs, ok := claims["organizations"].([]interface{}); ok && len(orgs) > 0 {
		if org, ok := orgs[0].(map[string]interface{}); ok {
			if v, ok := org["id"].(string); ok && v != "" {
				return v
			}
		}
	}

	return ""
}
