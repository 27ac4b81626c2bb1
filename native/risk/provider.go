package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	coreerrors "tradeguard/core/errors"
)

// ProfileProvider looks up the risk profile of a wallet or user reference.
type ProfileProvider interface {
	Profile(ctx context.Context, ref string) (Profile, error)
}

// StaticProvider serves profiles from memory. It backs tests and
// single-node deployments that mirror profiles from a file.
type StaticProvider struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticProvider seeds a provider with profiles keyed by reference.
func NewStaticProvider(profiles map[string]Profile) *StaticProvider {
	p := &StaticProvider{profiles: make(map[string]Profile, len(profiles))}
	for ref, profile := range profiles {
		p.profiles[normalizeRef(ref)] = profile
	}
	return p
}

// LoadStaticProvider reads a YAML document mapping references to profiles.
func LoadStaticProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read profiles: %w", err)
	}
	var doc struct {
		Profiles map[string]Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("risk: decode profiles: %w", err)
	}
	return NewStaticProvider(doc.Profiles), nil
}

// Set inserts or replaces a profile.
func (p *StaticProvider) Set(ref string, profile Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[normalizeRef(ref)] = profile
}

// Profile implements ProfileProvider.
func (p *StaticProvider) Profile(_ context.Context, ref string) (Profile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	profile, ok := p.profiles[normalizeRef(ref)]
	if !ok {
		return Profile{}, coreerrors.NotFound(coreerrors.CodeProfileNotFound, "no risk profile for %s", ref)
	}
	return profile, nil
}

// HTTPProvider fetches profiles from the user service over HTTP.
type HTTPProvider struct {
	baseURL *url.URL
	client  *http.Client
	token   string
}

// NewHTTPProvider constructs a provider for endpoint.
func NewHTTPProvider(endpoint, token string, timeout time.Duration) (*HTTPProvider, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("risk: invalid profile endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{baseURL: parsed, client: &http.Client{Timeout: timeout}, token: token}, nil
}

// Profile implements ProfileProvider.
func (p *HTTPProvider) Profile(ctx context.Context, ref string) (Profile, error) {
	target := p.baseURL.JoinPath("profiles", url.PathEscape(normalizeRef(ref)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("risk: fetch profile: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Profile{}, coreerrors.NotFound(coreerrors.CodeProfileNotFound, "no risk profile for %s", ref)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("risk: profile service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("risk: decode profile: %w", err)
	}
	return profile, nil
}

func normalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
