package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// poolFile is the on-disk JSON shape of a Pool, matching the original
// runner's pool file layout (profiles keyed by name, rather than a list).
type poolFile struct {
	Version           int                `json:"version"`
	Provider          string             `json:"provider"`
	UpdatedAt         string             `json:"updatedAt"`
	Issuer            string             `json:"issuer,omitempty"`
	ClientID          string             `json:"clientId,omitempty"`
	Model             string             `json:"model,omitempty"`
	CodexEndpoint     string             `json:"codexEndpoint,omitempty"`
	SelectionStrategy Strategy           `json:"selectionStrategy,omitempty"`
	PinnedProfile     string             `json:"pinnedProfile,omitempty"`
	LastUsedProfile   string             `json:"lastUsedProfile,omitempty"`
	Profiles          map[string]*Profile `json:"profiles"`
}

// LoadPool reads and validates a pool file from path.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read OAuth pool file %s: %w", path, err)
	}
	var pf poolFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse OAuth pool file %s: %w", path, err)
	}
	if pf.Version != 0 && pf.Version != PoolVersion {
		return nil, fmt.Errorf("unsupported OAuth pool file version %d in %s (expected %d)", pf.Version, path, PoolVersion)
	}
	if pf.Profiles == nil {
		pf.Profiles = map[string]*Profile{}
	}
	strategy := pf.SelectionStrategy
	if strategy == "" {
		strategy = StrategySticky
	}
	return &Pool{
		Version:           PoolVersion,
		Provider:          pf.Provider,
		UpdatedAt:         pf.UpdatedAt,
		Issuer:            pf.Issuer,
		ClientID:          pf.ClientID,
		Model:             pf.Model,
		CodexEndpoint:     pf.CodexEndpoint,
		SelectionStrategy: strategy,
		PinnedProfile:     pf.PinnedProfile,
		LastUsedProfile:   pf.LastUsedProfile,
		Profiles:          pf.Profiles,
	}, nil
}

// SavePool atomically writes p to path with owner-only permissions.
func SavePool(path string, p *Pool) error {
	pf := poolFile{
		Version:           PoolVersion,
		Provider:          p.Provider,
		UpdatedAt:         nowISO(),
		Issuer:            p.Issuer,
		ClientID:          p.ClientID,
		Model:             p.Model,
		CodexEndpoint:     p.CodexEndpoint,
		SelectionStrategy: p.SelectionStrategy,
		PinnedProfile:     p.PinnedProfile,
		LastUsedProfile:   p.LastUsedProfile,
		Profiles:          p.Profiles,
	}
	data, err := json.MarshalIndent(&pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal OAuth pool: %w", err)
	}
	return atomicWrite(path, data)
}

// atomicWrite writes data to a temp file in the same directory then renames
// it over path, so a crash mid-write never leaves a truncated pool file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".oauth-pool-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// legacyToken is the shape of the single-credential fallback file used
// before pools existed (still accepted for a seamless upgrade path).
type legacyToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	AccountID    string `json:"account_id,omitempty"`
	Email        string `json:"email,omitempty"`
}

// LoadLegacyAsProfile reads a single-token legacy file and wraps it as a
// one-profile Profile named "default", an upgrade-in-place path for when
// no pool file exists yet.
func LoadLegacyAsProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legacy token file %s: %w", path, err)
	}
	var lt legacyToken
	if err := json.Unmarshal(data, &lt); err != nil {
		return nil, fmt.Errorf("parse legacy token file %s: %w", path, err)
	}
	return &Profile{
		Profile:      "default",
		Email:        lt.Email,
		AccountID:    lt.AccountID,
		AccessToken:  lt.AccessToken,
		RefreshToken: lt.RefreshToken,
		ExpiresAtMs:  lt.ExpiresAtMs,
		UpdatedAt:    nowISO(),
	}, nil
}

// SaveLegacyProfile writes a single Profile back out in the legacy
// single-token file shape, so a caller that loaded credentials via
// LoadLegacyAsProfile can persist refreshed tokens without forcing an
// upgrade to the pool file format.
func SaveLegacyProfile(path string, p *Profile) error {
	lt := legacyToken{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAtMs:  p.ExpiresAtMs,
		AccountID:    p.AccountID,
		Email:        p.Email,
	}
	data, err := json.MarshalIndent(&lt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal legacy token: %w", err)
	}
	return atomicWrite(path, data)
}
