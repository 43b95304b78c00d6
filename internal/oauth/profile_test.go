package oauth

import "testing"

func TestProfileIsUsable(t *testing.T) {
	cases := []struct {
		name     string
		disabled bool
		until    *int64
		atMs     int64
		want     bool
	}{
		{"enabled, no rate limit", false, nil, 1000, true},
		{"disabled always unusable", true, nil, 1000, false},
		{"rate limited in future", false, ptr(int64(2000)), 1000, false},
		{"rate limit expired", false, ptr(int64(500)), 1000, true},
		{"rate limit exactly now", false, ptr(int64(1000)), 1000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Profile{Disabled: tc.disabled, RateLimitedUntilMs: tc.until}
			if got := p.IsUsable(tc.atMs); got != tc.want {
				t.Errorf("IsUsable(%d) = %v, want %v", tc.atMs, got, tc.want)
			}
		})
	}
}

func TestProfileIsExpired(t *testing.T) {
	p := &Profile{ExpiresAtMs: 100_000}
	if !p.IsExpired(100_000 - 30_000) {
		t.Error("expected expired within safety margin")
	}
	if p.IsExpired(100_000 - 30_001) {
		t.Error("expected not expired just outside safety margin")
	}
}

func TestProfileEffectiveRemaining(t *testing.T) {
	p := &Profile{}
	if got := p.EffectiveRemaining(); got <= 1e300 {
		t.Errorf("expected +Inf for unset Remaining, got %v", got)
	}
	r := 5.0
	p.Remaining = &r
	if got := p.EffectiveRemaining(); got != 5.0 {
		t.Errorf("EffectiveRemaining() = %v, want 5.0", got)
	}
}

func TestProfileEffectiveEmail(t *testing.T) {
	p := &Profile{Profile: "p1"}
	if got := p.EffectiveEmail(); got != "p1" {
		t.Errorf("EffectiveEmail() = %q, want fallback to profile key", got)
	}
	p.Email = "user@example.com"
	if got := p.EffectiveEmail(); got != "user@example.com" {
		t.Errorf("EffectiveEmail() = %q, want email", got)
	}
}

func ptr[T any](v T) *T { return &v }
