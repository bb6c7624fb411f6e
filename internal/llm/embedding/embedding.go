// Package embedding wraps langchaingo's OpenAI-compatible embedder behind
// the llm.EmbeddingProvider contract. The dimension is fixed at
// construction time per §3 Vector Entry's invariant that D never changes
// for a running collection.
package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rakunlabs/aiservice/internal/llm"
)

type Provider struct {
	embedder  *embeddings.EmbedderImpl
	dimension int
}

// New builds an embedding provider against any OpenAI-compatible embeddings
// endpoint (OpenAI itself, or a self-hosted/compatible one via baseURL).
func New(apiKey, model, baseURL string, dimension int) (*Provider, error) {
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithEmbeddingModel(model),
	}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llmClient, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llmClient)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	return &Provider{embedder: embedder, dimension: dimension}, nil
}

func (p *Provider) Dimension() int { return p.dimension }

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", llmEmbeddingFailed, err)
	}
	if len(vecs) == 0 {
		return nil, llmEmbeddingFailed
	}
	return vecs[0], nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", llmEmbeddingFailed, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", llmEmbeddingFailed, len(texts), len(vecs))
	}
	return vecs, nil
}

var llmEmbeddingFailed = fmt.Errorf("embedding failed")

var _ llm.EmbeddingProvider = (*Provider)(nil)
