// Package vertex adapts Google Vertex AI's OpenAI-compatible endpoint to
// the llm.Provider contract, authenticating via Application Default
// Credentials rather than a static API key.
package vertex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/llm/openai"
)

const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// Provider wraps an openai.Provider and refreshes the bearer token from
// Google's default credential chain before every call.
type Provider struct {
	inner *openai.Provider
	ts    oauth2.TokenSource
}

func New(ctx context.Context, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("vertex: base_url is required")
	}

	creds, err := google.FindDefaultCredentials(ctx, vertexScope)
	if err != nil {
		return nil, fmt.Errorf("vertex: find default credentials: %w", err)
	}

	inner, err := openai.New("", model, baseURL, proxy, insecureSkipVerify, nil)
	if err != nil {
		return nil, err
	}

	p := &Provider{inner: inner, ts: creds.TokenSource}
	inner.TokenFunc = p.token

	return p, nil
}

func (p *Provider) token(ctx context.Context) (string, error) {
	tok, err := p.ts.Token()
	if err != nil {
		return "", fmt.Errorf("vertex: refresh ADC token: %w", err)
	}
	return tok.AccessToken, nil
}

func (p *Provider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	return p.inner.Chat(ctx, model, messages)
}

func (p *Provider) ChatStream(ctx context.Context, model string, messages []llm.Message) (<-chan llm.StreamChunk, http.Header, error) {
	slog.Debug("vertex: streaming with ADC-authenticated request", "model", model)
	return p.inner.ChatStream(ctx, model, messages)
}

var (
	_ llm.Provider       = (*Provider)(nil)
	_ llm.StreamProvider = (*Provider)(nil)
)
