package oauth

import (
	"fmt"
	"sort"
)

// Strategy is the pool's profile-selection policy.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round-robin"
)

// PoolVersion is the only pool-file schema version this package understands.
// A file without a version field is read as this version; any other version
// is rejected on load.
const PoolVersion = 1

// Pool is the set of profiles plus selection/rotation metadata.
type Pool struct {
	Version           int                `json:"version"`
	Provider          string             `json:"provider"`
	UpdatedAt         string             `json:"updatedAt"`
	Issuer            string             `json:"issuer,omitempty"`
	ClientID          string             `json:"clientId,omitempty"`
	Model             string             `json:"model,omitempty"`
	CodexEndpoint     string             `json:"codexEndpoint,omitempty"`
	SelectionStrategy Strategy           `json:"-"`
	PinnedProfile     string             `json:"-"`
	LastUsedProfile   string             `json:"-"`
	Profiles          map[string]*Profile `json:"-"`
}

// Empty returns a fresh, zero-profile pool matching OAuthPool.empty().
func Empty() *Pool {
	return &Pool{
		Version:           PoolVersion,
		Provider:          "openai.codex.oauth.pool",
		UpdatedAt:         nowISO(),
		SelectionStrategy: StrategySticky,
		Profiles:          map[string]*Profile{},
	}
}

// ListProfiles returns profile keys in sorted order.
func (p *Pool) ListProfiles() []string {
	out := make([]string, 0, len(p.Profiles))
	for k := range p.Profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SelectionError is a structured error raised when no usable profile exists,
// or a named profile (explicit/pinned) is unknown. Kind distinguishes the
// four scenarios below.
type SelectionError struct {
	Kind          string // "not_found" | "all_disabled" | "all_rate_limited" | "none_usable"
	Message       string
	NextResetAtMs int64  // set when Kind == "all_rate_limited"
	Email         string // set when Kind == "all_rate_limited"
}

func (e *SelectionError) Error() string { return e.Message }

func notFoundErr(kind, name string) *SelectionError {
	return &SelectionError{Kind: "not_found", Message: fmt.Sprintf("OAuth %s not found in pool: %s", kind, name)}
}

// totalOrder sorts profiles by (remaining asc, resetAtMs asc, email asc), so
// the profile with the least remaining quota, then the soonest reset, is
// always tried first.
func totalOrder(ps []*Profile) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.EffectiveRemaining() != b.EffectiveRemaining() {
			return a.EffectiveRemaining() < b.EffectiveRemaining()
		}
		if a.EffectiveResetAtMs() != b.EffectiveResetAtMs() {
			return a.EffectiveResetAtMs() < b.EffectiveResetAtMs()
		}
		return a.EffectiveEmail() < b.EffectiveEmail()
	})
}

// ChooseProfile implements the profile-selection algorithm: explicit name,
// then pin, then sticky last-used, then total order across usable profiles.
func (p *Pool) ChooseProfile(explicit string, atMs int64) (string, error) {
	if explicit != "" {
		if _, ok := p.Profiles[explicit]; !ok {
			return "", notFoundErr("profile", explicit)
		}
		return explicit, nil
	}
	if p.PinnedProfile != "" {
		if _, ok := p.Profiles[p.PinnedProfile]; !ok {
			return "", notFoundErr("pinnedProfile", p.PinnedProfile)
		}
		return p.PinnedProfile, nil
	}

	strategy := p.SelectionStrategy
	if strategy == "" {
		strategy = StrategySticky
	}

	if strategy == StrategySticky && p.LastUsedProfile != "" {
		if last, ok := p.Profiles[p.LastUsedProfile]; ok && last.IsUsable(atMs) {
			return last.Profile, nil
		}
	}

	var usable []*Profile
	for _, pr := range p.Profiles {
		if pr.IsUsable(atMs) {
			usable = append(usable, pr)
		}
	}

	if len(usable) == 0 {
		return "", p.noneUsableError(atMs)
	}

	totalOrder(usable)

	if strategy == StrategyRoundRobin && p.LastUsedProfile != "" {
		for i, pr := range usable {
			if pr.Profile == p.LastUsedProfile {
				return usable[(i+1)%len(usable)].Profile, nil
			}
		}
	}
	return usable[0].Profile, nil
}

// noneUsableError builds the three-way structured error describing why no
// profile in the pool is currently usable.
func (p *Pool) noneUsableError(atMs int64) *SelectionError {
	allNames := p.ListProfiles()
	var disabled, limited []*Profile
	for _, pr := range p.Profiles {
		if pr.Disabled {
			disabled = append(disabled, pr)
		}
		rl := int64(0)
		if pr.RateLimitedUntilMs != nil {
			rl = *pr.RateLimitedUntilMs
		}
		if rl > atMs {
			limited = append(limited, pr)
		}
	}

	if len(disabled) == len(p.Profiles) && len(p.Profiles) > 0 {
		return &SelectionError{
			Kind: "all_disabled",
			Message: fmt.Sprintf(
				"No usable OAuth profiles available (all disabled). Profiles: %s. "+
					"Next action: re-login and re-import into the pool.",
				joinNames(allNames)),
		}
	}
	if len(limited) == len(p.Profiles) && len(p.Profiles) > 0 {
		waitTarget := limited[0]
		for _, pr := range limited[1:] {
			if pr.EffectiveResetAtMs() < waitTarget.EffectiveResetAtMs() ||
				(pr.EffectiveResetAtMs() == waitTarget.EffectiveResetAtMs() && pr.EffectiveEmail() < waitTarget.EffectiveEmail()) {
				waitTarget = pr
			}
		}
		return &SelectionError{
			Kind: "all_rate_limited",
			Message: fmt.Sprintf(
				"No usable OAuth profiles available (all rate-limited). Profiles: %s. "+
					"Wait and retry (nextResetAtMs=%d, email=%s).",
				joinNames(allNames), waitTarget.EffectiveResetAtMs(), waitTarget.EffectiveEmail()),
			NextResetAtMs: waitTarget.EffectiveResetAtMs(),
			Email:         waitTarget.EffectiveEmail(),
		}
	}
	return &SelectionError{
		Kind:    "none_usable",
		Message: fmt.Sprintf("No usable OAuth profiles available (all rate-limited or disabled). Profiles: %s", joinNames(allNames)),
	}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// RotateAfter picks the best non-current usable profile per the total
// order, or explicit if given. Returns current unchanged when it is the
// only usable profile; when no profile at all is usable (current included),
// it returns an error instead of current.
func (p *Pool) RotateAfter(current, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	var usable []*Profile
	for _, pr := range p.Profiles {
		if pr.IsUsable(nowMs()) {
			usable = append(usable, pr)
		}
	}
	if len(usable) == 0 {
		return "", fmt.Errorf("no usable OAuth profiles available to rotate to")
	}
	totalOrder(usable)
	found := false
	for _, pr := range usable {
		if pr.Profile == current {
			found = true
			break
		}
	}
	if !found {
		return usable[0].Profile, nil
	}
	for _, pr := range usable {
		if pr.Profile != current {
			return pr.Profile, nil
		}
	}
	return current, nil
}

// MarkUsed records profile as the most recently used one.
func (p *Pool) MarkUsed(profile string) {
	p.LastUsedProfile = profile
	p.UpdatedAt = nowISO()
}

// MarkRateLimited clamps a profile's rate-limit window to at least now.
func (p *Pool) MarkRateLimited(profile string, untilMs int64) {
	pr, ok := p.Profiles[profile]
	if !ok {
		return
	}
	now := nowMs()
	if untilMs < now {
		untilMs = now
	}
	pr.RateLimitedUntilMs = &untilMs
	pr.touch()
	p.UpdatedAt = nowISO()
}

// Disable marks a profile as permanently unusable (until re-login).
func (p *Pool) Disable(profile string) error {
	pr, ok := p.Profiles[profile]
	if !ok {
		return notFoundErr("profile", profile)
	}
	pr.Disabled = true
	pr.touch()
	p.UpdatedAt = nowISO()
	return nil
}

// Enable clears a profile's disabled flag.
func (p *Pool) Enable(profile string) error {
	pr, ok := p.Profiles[profile]
	if !ok {
		return notFoundErr("profile", profile)
	}
	pr.Disabled = false
	pr.touch()
	p.UpdatedAt = nowISO()
	return nil
}

// Remove deletes a profile, clearing any pin/last-used reference to it.
func (p *Pool) Remove(profile string) error {
	if _, ok := p.Profiles[profile]; !ok {
		return notFoundErr("profile", profile)
	}
	delete(p.Profiles, profile)
	if p.PinnedProfile == profile {
		p.PinnedProfile = ""
	}
	if p.LastUsedProfile == profile {
		p.LastUsedProfile = ""
	}
	p.UpdatedAt = nowISO()
	return nil
}

// Pin sets the pinned profile (must exist).
func (p *Pool) Pin(profile string) error {
	if _, ok := p.Profiles[profile]; !ok {
		return notFoundErr("profile", profile)
	}
	p.PinnedProfile = profile
	p.UpdatedAt = nowISO()
	return nil
}

// Unpin clears the pinned profile.
func (p *Pool) Unpin() {
	p.PinnedProfile = ""
	p.UpdatedAt = nowISO()
}

// SetStrategy changes the selection strategy.
func (p *Pool) SetStrategy(s Strategy) {
	p.SelectionStrategy = s
	p.UpdatedAt = nowISO()
}

// Upsert inserts or replaces a profile and marks it as used, matching
// upsert_profile()'s mark_used side-effect.
func (p *Pool) Upsert(pr *Profile) {
	if p.Profiles == nil {
		p.Profiles = map[string]*Profile{}
	}
	p.Profiles[pr.Profile] = pr
	p.MarkUsed(pr.Profile)
}
