// Package scratch holds the short-lived conversation buffer keyed by
// (company_id, user_id, device_id, session_id) (§4.7). It is a pure
// in-process cache, never persisted: a restart drops all context, which
// matches the spec's definition of "scratch" as ephemeral working memory
// distinct from the durable company-context store.
//
// Grounded on the teacher's sync.Map-keyed TTL-sweep idiom in
// internal/server/server.go (thoughtSigCache/sweepThoughtSigCache).
package scratch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/aiservice/internal/domain"
)

// MaxMessages bounds the ring buffer per session; the oldest message is
// dropped once exceeded.
const MaxMessages = 40

// TTL is how long an idle session's scratch is retained before sweep.
const TTL = 2 * time.Hour

type entry struct {
	mu       sync.Mutex
	messages []domain.ScratchMessage
	expireAt time.Time
}

// Store is the in-process conversation buffer.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New(ctx context.Context) *Store {
	s := &Store{entries: make(map[string]*entry)}
	go s.sweepLoop(ctx)
	return s
}

// Key derives the canonical composite key (company_id, user_id, device_id,
// session_id) for a channel request (§4.7, §3 Key), filling each missing
// component with its deterministic fallback so two requests describing
// the same caller always land on the same key: absent device_id is a
// hash of stable request attributes (user-agent + accept-language +
// platform), absent user_id is anon_<device_id[:8]>, absent session_id is
// chat_session_<company_id>_<device_id>.
func Key(companyID string, u domain.UserInfo, sessionID string, headers http.Header) domain.ScratchKey {
	deviceID := u.DeviceID
	if deviceID == "" {
		deviceID = deviceIDFallback(headers)
	}

	userID := u.UserID
	if userID == "" {
		userID = "anon_" + truncate(deviceID, 8)
	}

	if sessionID == "" {
		sessionID = "chat_session_" + companyID + "_" + deviceID
	}

	return domain.ScratchKey{
		CompanyID: companyID,
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sessionID,
	}
}

// deviceIDFallback derives a stable device identifier from request
// attributes that persist across a caller's requests even without a
// client-supplied device_id (§3 Key).
func deviceIDFallback(headers http.Header) string {
	userAgent := headers.Get("User-Agent")
	acceptLanguage := headers.Get("Accept-Language")
	platform := headers.Get("Sec-CH-UA-Platform")

	sum := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage + "|" + platform))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Append adds a message to the session buffer, creating it if absent, and
// trims to MaxMessages.
func (s *Store) Append(key domain.ScratchKey, role domain.ScratchRole, content string) domain.ScratchMessage {
	e := s.getOrCreate(key)

	msg := domain.ScratchMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		MessageID: ulid.Make().String(),
	}

	e.mu.Lock()
	e.messages = append(e.messages, msg)
	if len(e.messages) > MaxMessages {
		e.messages = e.messages[len(e.messages)-MaxMessages:]
	}
	e.expireAt = time.Now().Add(TTL)
	e.mu.Unlock()

	return msg
}

// History returns a snapshot of the session's messages, oldest first.
func (s *Store) History(key domain.ScratchKey) []domain.ScratchMessage {
	s.mu.RLock()
	e, ok := s.entries[key.String()]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ScratchMessage, len(e.messages))
	copy(out, e.messages)
	return out
}

// Clear discards a session's buffer.
func (s *Store) Clear(key domain.ScratchKey) {
	s.mu.Lock()
	delete(s.entries, key.String())
	s.mu.Unlock()
}

func (s *Store) getOrCreate(key domain.ScratchKey) *entry {
	k := key.String()

	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[k]; ok {
		return e
	}
	e = &entry{expireAt: time.Now().Add(TTL)}
	s.entries[k] = e
	return e
}

func (s *Store) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		e.mu.Lock()
		expired := now.After(e.expireAt)
		e.mu.Unlock()
		if expired {
			delete(s.entries, k)
		}
	}
}
