// Package oauth implements the multi-account OAuth credential pool: a
// single credential record (Profile), the pool of profiles with selection
// and rotation policy (Pool), and on-disk persistence.
package oauth

import (
	"math"
	"time"
)

// expiryMarginMs is the safety margin subtracted from a token's expiry
// before it is considered usable for a new request.
const expiryMarginMs = 30_000

// Profile is one OAuth credential record.
type Profile struct {
	Profile      string  `json:"profile"`
	Email        string  `json:"email,omitempty"`
	AccountID    string  `json:"accountId,omitempty"`
	Issuer       string  `json:"issuer,omitempty"`
	ClientID     string  `json:"clientId,omitempty"`
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	ExpiresAtMs  int64   `json:"expiresAtMs"`
	Remaining    *float64 `json:"remaining,omitempty"`
	ResetAtMs    *int64  `json:"resetAtMs,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	LastSeenAt   string  `json:"lastSeenAt,omitempty"`
	RateLimitedUntilMs *int64 `json:"rateLimitedUntilMs,omitempty"`
	Disabled     bool    `json:"disabled"`
	UpdatedAt    string  `json:"updatedAt,omitempty"`
}

// nowMs returns the current time in Unix milliseconds.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// nowISO returns the current UTC time in ISO-8601 form.
func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// IsUsable reports whether the profile may be chosen for a request at atMs.
// usable ≔ ¬disabled ∧ (rateLimitedUntilMs ≤ atMs).
func (p *Profile) IsUsable(atMs int64) bool {
	if p.Disabled {
		return false
	}
	until := int64(0)
	if p.RateLimitedUntilMs != nil {
		until = *p.RateLimitedUntilMs
	}
	return until <= atMs
}

// IsExpired reports whether the access token is expired (or within the
// 30s safety margin) at atMs.
func (p *Profile) IsExpired(atMs int64) bool {
	return p.ExpiresAtMs <= atMs+expiryMarginMs
}

// EffectiveEmail returns Email if set, else the profile key — used as the
// final tie-break in the total order and in structured error messages.
func (p *Profile) EffectiveEmail() string {
	if p.Email != "" {
		return p.Email
	}
	return p.Profile
}

// EffectiveRemaining defaults to +Inf when unknown, so that unquota'd
// profiles never sort ahead of profiles with a known, finite quota.
func (p *Profile) EffectiveRemaining() float64 {
	if p.Remaining == nil {
		return math.Inf(1)
	}
	return *p.Remaining
}

// EffectiveResetAtMs falls back to rateLimitedUntilMs, then to the largest
// representable time, matching the original's `10**18` sentinel.
func (p *Profile) EffectiveResetAtMs() int64 {
	if p.ResetAtMs != nil && *p.ResetAtMs > 0 {
		return *p.ResetAtMs
	}
	if p.RateLimitedUntilMs != nil && *p.RateLimitedUntilMs > 0 {
		return *p.RateLimitedUntilMs
	}
	return math.MaxInt64
}

// touch stamps UpdatedAt with the current time.
func (p *Profile) touch() {
	p.UpdatedAt = nowISO()
}
