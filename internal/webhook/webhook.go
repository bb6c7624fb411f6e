// Package webhook fans out the envelope events of §4.5: shared-secret
// signed POST/PUT requests to the tenant backend with bounded retry.
// Grounded on the teacher's use of worldline-go/klient in
// internal/service/workflow/nodes/http-request.go (klient.New with
// WithDisableRetry/WithProxy/WithInsecureSkipVerify), but implements its
// own retry loop rather than klient's connection-level retry since the
// backoff schedule here is event-level (1s/2s/4s ±20% jitter, max 3
// attempts) and must not retry on 4xx.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/aiservice/internal/config"
)

// Envelope is the standard outbound payload shape (§6.2).
type Envelope struct {
	Event     string         `json:"event"`
	CompanyID string         `json:"companyId"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Dispatcher struct {
	client  *klient.Client
	secret  string
	timeout time.Duration
	maxAttempts int
	backoff time.Duration
	version string
}

func New(cfg config.Webhook, version string) (*Dispatcher, error) {
	cli, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build webhook client: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Dispatcher{
		client:      cli,
		secret:      cfg.Secret,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		version:     version,
	}, nil
}

// NewEnvelope builds an envelope with the current UTC timestamp. The
// shared secret is not part of the envelope; Send adds it as the
// X-Webhook-Secret header.
func NewEnvelope(event, companyID string, data, metadata map[string]any) Envelope {
	return Envelope{
		Event:     event,
		CompanyID: companyID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
		Metadata:  metadata,
	}
}

// Send dispatches an envelope with the given HTTP method and URL, applying
// the retry schedule of §4.5. It is always best-effort: the returned error
// is for logging only, callers must never let it affect a user-facing
// response that has already completed.
func (d *Dispatcher) Send(ctx context.Context, method, url string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal webhook envelope %q: %w", env.Event, err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		status, err := d.attempt(reqCtx, method, url, body)
		cancel()

		if err == nil && status < 400 {
			slog.Info("webhook delivered", "event", env.Event, "url", url, "attempt", attempt, "status", status)
			return nil
		}

		if err == nil && status >= 400 && status < 500 {
			// Terminal: the receiver rejected the payload, don't retry.
			slog.Warn("webhook rejected", "event", env.Event, "url", url, "attempt", attempt, "status", status)
			return fmt.Errorf("webhook %q rejected with status %d", env.Event, status)
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook %q: server error status %d", env.Event, status)
		}

		slog.Warn("webhook attempt failed", "event", env.Event, "url", url, "attempt", attempt, "error", lastErr)

		if attempt < d.maxAttempts {
			time.Sleep(jitteredBackoff(d.backoff, attempt))
		}
	}

	return fmt.Errorf("webhook %q failed after %d attempts: %w", env.Event, d.maxAttempts, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, method, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Source", "ai-service")
	req.Header.Set("X-Webhook-Secret", d.secret)
	req.Header.Set("User-Agent", "ai-service/"+d.version)

	resp, err := d.client.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// jitteredBackoff computes attempt n's sleep: base * 2^(n-1), ±20% jitter.
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	jitter := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(offset)
}
