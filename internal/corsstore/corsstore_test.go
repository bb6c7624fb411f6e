package corsstore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowedFetchesAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"companyId":      "co-1",
			"allowedDomains": []string{"https://widget.example.com"},
		})
	}))
	defer srv.Close()

	store, err := New(srv.URL, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	allowed, companyID, err := store.Allowed(t.Context(), "plugin-1", "https://widget.example.com")
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if !allowed {
		t.Fatal("expected origin to be allowed")
	}
	if companyID != "co-1" {
		t.Fatalf("companyID = %q, want co-1", companyID)
	}

	// Second lookup within TTL must not re-fetch.
	if _, _, err := store.Allowed(t.Context(), "plugin-1", "https://widget.example.com"); err != nil {
		t.Fatalf("Allowed (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("backend calls = %d, want 1 (cached)", calls)
	}
}

func TestAllowedRejectsUnknownOrigin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"companyId":      "co-1",
			"allowedDomains": []string{"https://widget.example.com"},
		})
	}))
	defer srv.Close()

	store, err := New(srv.URL, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	allowed, _, err := store.Allowed(t.Context(), "plugin-1", "https://evil.example.com")
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if allowed {
		t.Fatal("expected unknown origin to be rejected")
	}
}

func TestAllowedIsCaseInsensitiveOnHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"companyId":      "co-1",
			"allowedDomains": []string{"https://Widget.Example.com"},
		})
	}))
	defer srv.Close()

	store, err := New(srv.URL, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	allowed, _, err := store.Allowed(t.Context(), "plugin-1", "https://widget.example.com")
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if !allowed {
		t.Fatal("expected case-insensitive host match to allow origin")
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"companyId":      "co-1",
			"allowedDomains": []string{"https://widget.example.com"},
		})
	}))
	defer srv.Close()

	store, err := New(srv.URL, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, err := store.Allowed(t.Context(), "plugin-1", "https://widget.example.com"); err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	store.Invalidate("plugin-1")
	if _, _, err := store.Allowed(t.Context(), "plugin-1", "https://widget.example.com"); err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("backend calls = %d, want 2 (post-invalidate refetch)", calls)
	}
}

func TestPutInstallsEntryWithoutFetch(t *testing.T) {
	store, err := New("http://unused.invalid", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	store.Put("plugin-2", "co-2", []string{"https://app.example.com"})

	allowed, companyID, err := store.Allowed(t.Context(), "plugin-2", "https://app.example.com")
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if !allowed || companyID != "co-2" {
		t.Fatalf("allowed=%v companyID=%q, want true/co-2", allowed, companyID)
	}
}

func TestStatusReportsSizeAndCounters(t *testing.T) {
	store, err := New("http://unused.invalid", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.Put("plugin-1", "co-1", []string{"https://a.example.com"})
	store.Put("plugin-2", "co-2", []string{"https://b.example.com"})

	if _, _, err := store.Allowed(t.Context(), "plugin-1", "https://a.example.com"); err != nil {
		t.Fatalf("Allowed: %v", err)
	}

	st := store.Status()
	if st.Size != 2 {
		t.Fatalf("Size = %d, want 2", st.Size)
	}
	if st.Lookups < 1 {
		t.Fatalf("Lookups = %d, want >= 1", st.Lookups)
	}
}
