package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relayforge/mcprunner/internal/oauth"
	"github.com/relayforge/mcprunner/internal/runerror"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// httpStatusError carries a non-2xx HTTP response through the rotate/retry
// loop, mirroring HttpStatusError.
type httpStatusError struct {
	Status  int
	Body    string
	Headers http.Header
}

func (e *httpStatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

// OAuthProvider implements Provider against the ChatGPT Codex backend,
// authenticating via a rotating pool of OAuth profiles.
type OAuthProvider struct {
	cfg        *OAuthConfig
	httpClient *http.Client
}

var _ Provider = (*OAuthProvider)(nil)

// NewOAuthProvider builds a provider from cfg. The http.Client is created
// with no timeout set here — callers thread per-request deadlines through
// ctx, matching the rest of this module's context-first style.
func NewOAuthProvider(cfg *OAuthConfig) *OAuthProvider {
	return &OAuthProvider{cfg: cfg, httpClient: &http.Client{}}
}

// poolOrigin distinguishes a real multi-profile pool file from the
// single-credential legacy file wrapped as a one-profile pool, so
// persistPool knows which file to write back to.
type poolOrigin int

const (
	originPool poolOrigin = iota
	originLegacy
)

func (p *OAuthProvider) loadPoolOrSingle() (*oauth.Pool, poolOrigin, error) {
	if fileExists(p.cfg.PoolPath) {
		pool, err := oauth.LoadPool(p.cfg.PoolPath)
		if err != nil {
			return nil, 0, err
		}
		if len(pool.Profiles) == 0 {
			return nil, 0, fmt.Errorf("OAuth pool file has no profiles: %s", p.cfg.PoolPath)
		}
		if pool.Issuer == "" {
			pool.Issuer = p.cfg.Issuer
		}
		if pool.ClientID == "" {
			pool.ClientID = p.cfg.ClientID
		}
		if pool.Model == "" {
			pool.Model = p.cfg.Model
		}
		if pool.CodexEndpoint == "" {
			pool.CodexEndpoint = p.cfg.CodexEndpoint
		}
		return pool, originPool, nil
	}

	if !fileExists(p.cfg.LegacyTokenPath) {
		return nil, 0, fmt.Errorf("OAuth token file not found: %s", p.cfg.LegacyTokenPath)
	}
	profile, err := oauth.LoadLegacyAsProfile(p.cfg.LegacyTokenPath)
	if err != nil {
		return nil, 0, err
	}
	if profile.Issuer == "" {
		profile.Issuer = p.cfg.Issuer
	}
	if profile.ClientID == "" {
		profile.ClientID = p.cfg.ClientID
	}
	pool := oauth.Empty()
	pool.Issuer = profile.Issuer
	pool.ClientID = profile.ClientID
	pool.Model = p.cfg.Model
	pool.CodexEndpoint = p.cfg.CodexEndpoint
	pool.SelectionStrategy = oauth.Strategy(p.cfg.SelectionStrategy)
	pool.Profiles[profile.Profile] = profile
	pool.LastUsedProfile = profile.Profile
	return pool, originLegacy, nil
}

func (p *OAuthProvider) persistPool(pool *oauth.Pool, origin poolOrigin) {
	var err error
	switch origin {
	case originPool:
		err = oauth.SavePool(p.cfg.PoolPath, pool)
	case originLegacy:
		profile, ok := pool.Profiles["default"]
		if !ok {
			return
		}
		err = oauth.SaveLegacyProfile(p.cfg.LegacyTokenPath, profile)
	}
	if err != nil {
		log.Printf("[OAuthProvider] WARNING: failed to persist OAuth state: %v", err)
	}
}

// Doctor reports pool/profile health without making a network call,
// matching OpenAICodexOAuthProvider.doctor's "selection only, no request".
func (p *OAuthProvider) Doctor(ctx context.Context) DoctorReport {
	pool, origin, err := p.loadPoolOrSingle()
	if err != nil {
		return DoctorReport{OK: false, Mode: "openai-oauth-codex", Err: err, Detail: map[string]any{
			"poolPath": p.cfg.PoolPath, "tokenPath": p.cfg.LegacyTokenPath,
		}}
	}
	selected, err := pool.ChooseProfile(p.cfg.SelectionProfile, time.Now().UnixMilli())
	if err != nil {
		return DoctorReport{OK: false, Mode: "openai-oauth-codex", Err: err}
	}
	profile := pool.Profiles[selected]
	return DoctorReport{
		OK:   true,
		Mode: "openai-oauth-codex",
		Detail: map[string]any{
			"issuer":            pool.Issuer,
			"clientId":          pool.ClientID,
			"model":             pool.Model,
			"codexEndpoint":     pool.CodexEndpoint,
			"origin":            originName(origin),
			"poolPath":          p.cfg.PoolPath,
			"tokenPath":         p.cfg.LegacyTokenPath,
			"profilesCount":     len(pool.Profiles),
			"profiles":          pool.ListProfiles(),
			"selectionStrategy": p.cfg.SelectionStrategy,
			"explicitProfile":   p.cfg.SelectionProfile,
			"pinnedProfile":     pool.PinnedProfile,
			"lastUsedProfile":   pool.LastUsedProfile,
			"selectedProfile":   selected,
			"selectedAccountId": profile.AccountID,
			"expired":           profile.IsExpired(time.Now().UnixMilli()),
		},
	}
}

// RotateEvent is emitted whenever ChatWithEvents rotates away from a
// profile, for the caller to fold into the evidence log as an
// openai_oauth.rotate event.
type RotateEvent struct {
	AtMs               int64
	FromProfile        string
	Reason             string // "refresh_invalid" | "rate_limit"
	Status             int
	RetryAfterMs        int64
	Attempt            int
	AttemptedProfiles  []string
}

// Chat is ChatWithEvents without a rotation sink: it rotates profiles the
// same way but reports no RotateEvents.
func (p *OAuthProvider) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	resp, _, err := p.ChatWithEvents(ctx, messages, nil)
	return resp, err
}

// ChatWithEvents is Chat plus a sink for RotateEvents, used by the
// dispatch loop to write openai_oauth.rotate evidence entries.
func (p *OAuthProvider) ChatWithEvents(ctx context.Context, messages []Message, onRotate func(RotateEvent)) (*ChatResponse, []string, error) {
	pool, origin, err := p.loadPoolOrSingle()
	if err != nil {
		return nil, nil, runerror.New(runerror.KindConfig, err)
	}
	pool.SelectionStrategy = oauth.Strategy(p.cfg.SelectionStrategy)

	maxRotations := p.cfg.MaxRotations
	if maxRotations <= 0 {
		maxRotations = max(1, len(pool.Profiles))
	}

	instructions, input := toInstructionsAndInput(messages)
	body, err := json.Marshal(map[string]any{
		"model":        pool.Model,
		"instructions": instructions,
		"input":        input,
		"store":        false,
		"stream":       true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var attempted []string
	selected, err := pool.ChooseProfile(p.cfg.SelectionProfile, time.Now().UnixMilli())
	if err != nil {
		return nil, nil, runerror.New(runerror.KindRateLimit, err)
	}

	for attempt := 0; attempt < maxRotations; attempt++ {
		if contains(attempted, selected) {
			selected, err = pool.RotateAfter(selected, p.cfg.SelectionProfile)
			if err != nil {
				return nil, attempted, runerror.New(runerror.KindRateLimit, err)
			}
		}
		attempted = append(attempted, selected)

		profile, ok := pool.Profiles[selected]
		if !ok {
			return nil, attempted, fmt.Errorf("selected OAuth profile missing: %s", selected)
		}

		fresh, ferr := p.ensureFreshProfile(ctx, profile, pool)
		if ferr != nil {
			if isRefreshInvalid(ferr) {
				profile.Disabled = true
				pool.Profiles[selected] = profile
				p.persistPool(pool, origin)
				if onRotate != nil {
					onRotate(RotateEvent{
						AtMs: time.Now().UnixMilli(), FromProfile: selected, Reason: "refresh_invalid",
						Attempt: attempt + 1, AttemptedProfiles: append([]string{}, attempted...),
					})
				}
				if distinctCount(attempted) >= len(pool.Profiles) {
					return nil, attempted, runerror.New(runerror.KindRefreshInvalid, fmt.Errorf(
						"OpenAI OAuth refresh token invalid for all profiles; re-authenticate and re-import into the pool"))
				}
				selected, err = pool.RotateAfter(selected, p.cfg.SelectionProfile)
				if err != nil {
					return nil, attempted, runerror.New(runerror.KindRateLimit, err)
				}
				continue
			}
			return nil, attempted, ferr
		}
		profile = fresh

		resp, err := p.chatOnce(ctx, profile, body)
		if err == nil {
			pool.MarkUsed(selected)
			p.persistPool(pool, origin)
			return resp, attempted, nil
		}

		var httpErr *httpStatusError
		if !asHTTPStatusError(err, &httpErr) {
			return nil, attempted, runerror.New(runerror.KindHTTP, err)
		}
		if p.cfg.RotateOnRateLimit && isRateLimit(httpErr.Status, httpErr.Body) {
			retryAfterMs := retryAfterMs(httpErr.Headers)
			if retryAfterMs <= 0 {
				retryAfterMs = 10_000
			}
			pool.MarkRateLimited(selected, time.Now().UnixMilli()+retryAfterMs)
			p.persistPool(pool, origin)
			if onRotate != nil {
				onRotate(RotateEvent{
					AtMs: time.Now().UnixMilli(), FromProfile: selected, Reason: "rate_limit",
					Status: httpErr.Status, RetryAfterMs: retryAfterMs,
					Attempt: attempt + 1, AttemptedProfiles: append([]string{}, attempted...),
				})
			}
			if distinctCount(attempted) >= len(pool.Profiles) {
				return nil, attempted, runerror.New(runerror.KindRateLimit, fmt.Errorf(
					"rate limited and no alternate OAuth profiles available: %v", pool.ListProfiles()))
			}
			selected, err = pool.RotateAfter(selected, p.cfg.SelectionProfile)
			if err != nil {
				return nil, attempted, runerror.New(runerror.KindRateLimit, err)
			}
			continue
		}
		return nil, attempted, runerror.New(runerror.KindHTTP, fmt.Errorf("LLM request failed (HTTP %d): %s", httpErr.Status, truncate(httpErr.Body, 500)))
	}

	return nil, attempted, fmt.Errorf("failed after rotating OAuth profiles: attempted=%v", attempted)
}

// Secrets returns every access/refresh token currently on disk, for the
// dispatch loop's redactor to scrub from evidence alongside the fixed
// bearer-token regex.
func (p *OAuthProvider) Secrets() []string {
	pool, _, err := p.loadPoolOrSingle()
	if err != nil {
		return nil
	}
	var secrets []string
	for _, profile := range pool.Profiles {
		if profile.AccessToken != "" {
			secrets = append(secrets, profile.AccessToken)
		}
		if profile.RefreshToken != "" {
			secrets = append(secrets, profile.RefreshToken)
		}
	}
	return secrets
}

// ExtractText pulls text out of the provider-agnostic raw shapes this
// backend (and, as a fallback, OpenAI chat-completions shapes) may return.
func (p *OAuthProvider) ExtractText(raw map[string]any) string {
	return extractText(raw)
}

func extractText(raw map[string]any) string {
	if s, ok := raw["output_text"].(string); ok {
		return s
	}
	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok {
					return content
				}
			}
		}
	}
	if output, ok := raw["output"].([]any); ok {
		var parts []string
		for _, item := range output {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			content, ok := obj["content"].([]any)
			if !ok {
				continue
			}
			for _, c := range content {
				if cobj, ok := c.(map[string]any); ok {
					if text, ok := cobj["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "")
		}
	}
	return ""
}

func toInstructionsAndInput(messages []Message) (string, []map[string]string) {
	var sysParts []string
	var input []map[string]string
	for _, m := range messages {
		switch m.Role {
		case "system":
			sysParts = append(sysParts, m.Content)
		case "user", "assistant":
			input = append(input, map[string]string{"role": m.Role, "content": m.Content})
		}
	}
	instructions := strings.TrimSpace(strings.Join(sysParts, "\n\n"))
	if instructions == "" {
		instructions = "mcprunner session."
	}
	return instructions, input
}

func (p *OAuthProvider) ensureFreshProfile(ctx context.Context, profile *oauth.Profile, pool *oauth.Pool) (*oauth.Profile, error) {
	now := time.Now().UnixMilli()
	if !profile.IsExpired(now) {
		return profile, nil
	}
	if profile.RefreshToken == "" {
		return nil, fmt.Errorf("OAuth refresh token missing; rerun login")
	}

	clientID := profile.ClientID
	if clientID == "" {
		clientID = pool.ClientID
	}

	tokens, err := p.refresh(ctx, profile.RefreshToken, clientID)
	if err != nil {
		return nil, err
	}

	access, _ := tokens["access_token"].(string)
	if access == "" {
		return nil, fmt.Errorf("token refresh did not return access_token")
	}
	refresh, _ := tokens["refresh_token"].(string)
	if refresh == "" {
		refresh = profile.RefreshToken
	}
	expiresIn := 3600.0
	if v, ok := tokens["expires_in"].(float64); ok {
		expiresIn = v
	}

	profile.AccessToken = access
	profile.RefreshToken = refresh
	profile.ExpiresAtMs = now + int64(expiresIn*1000)
	if acc := extractAccountIDFromTokens(tokens); acc != "" {
		profile.AccountID = acc
	}
	profile.UpdatedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	pool.Profiles[profile.Profile] = profile
	return profile, nil
}

func extractAccountIDFromTokens(tokens map[string]any) string {
	for _, key := range []string{"id_token", "access_token"} {
		if tok, ok := tokens[key].(string); ok && tok != "" {
			if acc := extractAccountIDFn(tok); acc != "" {
				return acc
			}
		}
	}
	return ""
}

// extractAccountIDFn is overridable in tests; defaults to the real JWT parser.
var extractAccountIDFn = oauth.ExtractAccountID

func (p *OAuthProvider) refresh(ctx context.Context, refreshToken, clientID string) (map[string]any, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Issuer+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OAuth refresh request failed: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("OAuth refresh failed (HTTP %d): %s", resp.StatusCode, truncate(string(data), 500))
	}
	var tokens map[string]any
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parse OAuth refresh response: %w", err)
	}
	return tokens, nil
}

func (p *OAuthProvider) chatOnce(ctx context.Context, profile *oauth.Profile, body []byte) (*ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.CodexEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+profile.AccessToken)
	if profile.AccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", profile.AccountID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, &httpStatusError{Status: resp.StatusCode, Body: string(data), Headers: resp.Header}
	}

	text, lastEvent, err := readSSE(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read codex SSE stream: %w", err)
	}
	if text != "" {
		return &ChatResponse{OutputText: text, Raw: map[string]any{"output_text": text}}, nil
	}
	if lastEvent != nil {
		return &ChatResponse{OutputText: extractText(lastEvent), Raw: lastEvent}, nil
	}
	return &ChatResponse{Raw: map[string]any{}}, nil
}

func isRateLimit(status int, body string) bool {
	if status == 429 {
		return true
	}
	var data map[string]any
	if json.Unmarshal([]byte(body), &data) != nil {
		return false
	}
	if data["type"] != "error" {
		return false
	}
	errObj, ok := data["error"].(map[string]any)
	if !ok {
		return false
	}
	if t, ok := errObj["type"].(string); ok && (t == "too_many_requests" || t == "rate_limit") {
		return true
	}
	if c, ok := errObj["code"].(string); ok && strings.Contains(c, "rate_limit") {
		return true
	}
	return false
}

func retryAfterMs(headers http.Header) int64 {
	if v := headers.Get("retry-after-ms"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return int64(f)
		}
	}
	if v := headers.Get("retry-after"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return int64(f * 1000)
		}
		if t, err := time.Parse(time.RFC1123, v); err == nil {
			if d := time.Until(t); d > 0 {
				return d.Milliseconds()
			}
		}
	}
	return 0
}

func isRefreshInvalid(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "refresh_token_reused") || strings.Contains(msg, "invalid_grant")
}

func asHTTPStatusError(err error, target **httpStatusError) bool {
	if e, ok := err.(*httpStatusError); ok {
		*target = e
		return true
	}
	return false
}

func originName(o poolOrigin) string {
	if o == originPool {
		return "pool"
	}
	return "single"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func distinctCount(list []string) int {
	seen := map[string]bool{}
	for _, s := range list {
		seen[s] = true
	}
	return len(seen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
