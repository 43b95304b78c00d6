package llmprovider

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/mcprunner/internal/oauth"
)

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string, headers http.Header) *http.Response {
	if headers == nil {
		headers = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     headers,
	}
}

func writePoolFixture(t *testing.T, profiles map[string]*oauth.Profile) (string, *oauth.Pool) {
	t.Helper()
	pool := oauth.Empty()
	pool.Issuer = "https://fake-issuer.test"
	pool.ClientID = "fake-client"
	pool.Model = "fake-model"
	pool.CodexEndpoint = "https://fake-codex.test/v1/responses"
	for name, pr := range profiles {
		pool.Profiles[name] = pr
	}
	path := filepath.Join(t.TempDir(), "pool.json")
	if err := oauth.SavePool(path, pool); err != nil {
		t.Fatalf("SavePool: %v", err)
	}
	return path, pool
}

func newTestOAuthConfig(poolPath string) *OAuthConfig {
	return &OAuthConfig{
		Issuer:            "https://fake-issuer.test",
		ClientID:          "fake-client",
		Model:             "fake-model",
		CodexEndpoint:     "https://fake-codex.test/v1/responses",
		PoolPath:          poolPath,
		LegacyTokenPath:   poolPath + ".legacy",
		SelectionStrategy: "sticky",
		RotateOnRateLimit: true,
	}
}

// TestChatRotatesOnRateLimit exercises S2: the first selected profile gets a
// 429, the provider rotates to the next usable profile and succeeds.
func TestChatRotatesOnRateLimit(t *testing.T) {
	now := time.Now().UnixMilli()
	poolPath, _ := writePoolFixture(t, map[string]*oauth.Profile{
		"a": {Profile: "a", AccessToken: "tok-a", RefreshToken: "rt-a", ExpiresAtMs: now + 3_600_000, Email: "a@example.com"},
		"b": {Profile: "b", AccessToken: "tok-b", RefreshToken: "rt-b", ExpiresAtMs: now + 3_600_000, Email: "b@example.com"},
	})

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		auth := req.Header.Get("authorization")
		if auth == "Bearer tok-a" {
			return jsonResponse(429, `{"type":"error","error":{"type":"too_many_requests"}}`, nil), nil
		}
		return jsonResponse(200, "data: {\"type\":\"response.completed\",\"response\":{\"output_text\":\"hello from b\"}}\n\ndata: [DONE]\n\n", nil), nil
	})

	p := NewOAuthProvider(newTestOAuthConfig(poolPath))
	p.httpClient = &http.Client{Transport: transport}

	var rotateEvents []RotateEvent
	resp, attempted, err := p.ChatWithEvents(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(e RotateEvent) {
		rotateEvents = append(rotateEvents, e)
	})
	if err != nil {
		t.Fatalf("ChatWithEvents: %v", err)
	}
	if resp.OutputText != "hello from b" {
		t.Errorf("expected final response from profile b, got %q", resp.OutputText)
	}
	if len(attempted) != 2 || attempted[0] != "a" || attempted[1] != "b" {
		t.Errorf("expected attempted=[a b], got %v", attempted)
	}
	if len(rotateEvents) != 1 || rotateEvents[0].Reason != "rate_limit" || rotateEvents[0].FromProfile != "a" {
		t.Errorf("expected one rate_limit rotate event from a, got %v", rotateEvents)
	}
}

// TestChatDisablesOnInvalidRefresh exercises S3: the selected profile is
// expired, its refresh fails with invalid_grant, the provider disables it
// and rotates to the next usable profile.
func TestChatDisablesOnInvalidRefresh(t *testing.T) {
	now := time.Now().UnixMilli()
	poolPath, _ := writePoolFixture(t, map[string]*oauth.Profile{
		"a": {Profile: "a", AccessToken: "tok-a", RefreshToken: "rt-a", ExpiresAtMs: now - 1000, Email: "a@example.com"},
		"b": {Profile: "b", AccessToken: "tok-b", RefreshToken: "rt-b", ExpiresAtMs: now + 3_600_000, Email: "b@example.com"},
	})

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.String(), "/oauth/token") {
			return jsonResponse(400, `{"error":"invalid_grant"}`, nil), nil
		}
		return jsonResponse(200, "data: {\"type\":\"response.completed\",\"response\":{\"output_text\":\"hello from b\"}}\n\ndata: [DONE]\n\n", nil), nil
	})

	p := NewOAuthProvider(newTestOAuthConfig(poolPath))
	p.httpClient = &http.Client{Transport: transport}

	var rotateEvents []RotateEvent
	resp, attempted, err := p.ChatWithEvents(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(e RotateEvent) {
		rotateEvents = append(rotateEvents, e)
	})
	if err != nil {
		t.Fatalf("ChatWithEvents: %v", err)
	}
	if resp.OutputText != "hello from b" {
		t.Errorf("expected final response from profile b, got %q", resp.OutputText)
	}
	if len(attempted) != 2 || attempted[0] != "a" || attempted[1] != "b" {
		t.Errorf("expected attempted=[a b], got %v", attempted)
	}
	if len(rotateEvents) != 1 || rotateEvents[0].Reason != "refresh_invalid" || rotateEvents[0].FromProfile != "a" {
		t.Errorf("expected one refresh_invalid rotate event from a, got %v", rotateEvents)
	}

	reloaded, err := oauth.LoadPool(poolPath)
	if err != nil {
		t.Fatalf("LoadPool: %v", err)
	}
	if !reloaded.Profiles["a"].Disabled {
		t.Error("expected profile a to be persisted as disabled")
	}
}
