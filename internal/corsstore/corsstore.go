// Package corsstore caches, per plugin_id, the set of browser origins
// allowed to call the chat-plugin channel (§4.6). Entries are fetched
// lazily from the tenant backend and expire after a configurable TTL;
// there is no background sweep, only lookup-time refresh, since the
// cache is small and read-heavy.
//
// Grounded on the same in-memory map + per-entry TTL idiom as
// internal/scratch, with the lazy-refetch-on-miss behavior the spec
// requires instead of a sweep loop.
package corsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/worldline-go/klient"
)

// Entry is one plugin's registered CORS domain set.
type Entry struct {
	CompanyID      string
	AllowedDomains []string
	FetchedAt      time.Time
}

func (e Entry) expired(ttl time.Duration) bool {
	return time.Since(e.FetchedAt) > ttl
}

// Store is the in-process plugin_id -> Entry cache.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	backendURL string
	client     *klient.Client

	lookups int64
	misses  int64
}

func New(backendURL string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	cli, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build cors fetch client: %w", err)
	}

	return &Store{
		entries:    make(map[string]Entry),
		ttl:        ttl,
		backendURL: backendURL,
		client:     cli,
	}, nil
}

// Allowed resolves whether origin is permitted for pluginID, fetching or
// refreshing the cache entry as needed (§4.6 steps 1-2). The returned
// companyID is the plugin's owning tenant, needed by the caller to scope
// the rest of the request.
func (s *Store) Allowed(ctx context.Context, pluginID, origin string) (allowed bool, companyID string, err error) {
	entry, ok := s.get(pluginID)
	if !ok || entry.expired(s.ttl) {
		entry, err = s.fetch(ctx, pluginID)
		if err != nil {
			return false, "", err
		}
	}

	return matchesOrigin(entry.AllowedDomains, origin), entry.CompanyID, nil
}

func (s *Store) get(pluginID string) (Entry, bool) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[pluginID]
	return e, ok
}

func (s *Store) fetch(ctx context.Context, pluginID string) (Entry, error) {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()

	url := fmt.Sprintf("%s/api/cors/plugin-domains?pluginId=%s", s.backendURL, pluginID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("build plugin-domains request: %w", err)
	}

	resp, err := s.client.HTTP.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("fetch plugin-domains: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Entry{}, fmt.Errorf("fetch plugin-domains: status %d", resp.StatusCode)
	}

	var body struct {
		CompanyID      string   `json:"companyId"`
		AllowedDomains []string `json:"allowedDomains"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Entry{}, fmt.Errorf("decode plugin-domains response: %w", err)
	}

	entry := Entry{
		CompanyID:      body.CompanyID,
		AllowedDomains: body.AllowedDomains,
		FetchedAt:      time.Now(),
	}

	s.mu.Lock()
	s.entries[pluginID] = entry
	s.mu.Unlock()

	return entry, nil
}

// Put installs or replaces an entry directly, used by the
// update-domains internal endpoint (§4.6).
func (s *Store) Put(pluginID, companyID string, allowedDomains []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pluginID] = Entry{
		CompanyID:      companyID,
		AllowedDomains: allowedDomains,
		FetchedAt:      time.Now(),
	}
}

// Invalidate drops a single plugin's cached entry, forcing a re-fetch on
// next lookup.
func (s *Store) Invalidate(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pluginID)
}

// InvalidateAll drops every cached entry (emergency clear-cache).
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
}

// Status reports cache size and request counters for the
// /api/internal/cors/status endpoint.
type Status struct {
	Size    int   `json:"size"`
	Lookups int64 `json:"lookups"`
	Misses  int64 `json:"misses"`
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Size: len(s.entries), Lookups: s.lookups, Misses: s.misses}
}

// matchesOrigin compares the request Origin against the allowed domain
// set with a case-insensitive host and exact scheme match (§4.6 step 3).
// No wildcard is ever honored.
func matchesOrigin(allowedDomains []string, origin string) bool {
	if origin == "" {
		return false
	}
	norm := strings.ToLower(strings.TrimSuffix(origin, "/"))
	for _, d := range allowedDomains {
		if strings.ToLower(strings.TrimSuffix(d, "/")) == norm {
			return true
		}
	}
	return false
}
