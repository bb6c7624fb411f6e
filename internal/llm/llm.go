// Package llm defines the provider-facing contract used by the chat engine,
// the order-extraction engine, and the ingestion pipeline: a chat call, an
// optional streaming chat call, and an embedding call.
package llm

import (
	"context"
	"net/http"
)

// Message is a single turn in a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries token accounting returned by the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of a non-streamed Chat call.
type Response struct {
	Content string
	Usage   Usage
	Header  http.Header
}

// StreamChunk is one increment of a streamed chat response.
type StreamChunk struct {
	// Content is the text delta for this chunk (may be empty).
	Content string

	// FinishReason is set on the final chunk ("stop"); empty otherwise.
	FinishReason string

	// Usage, when non-nil, carries the final token count.
	Usage *Usage

	// Error, if non-nil, terminates the stream.
	Error error
}

// Provider performs a single request/response chat completion.
type Provider interface {
	Chat(ctx context.Context, model string, messages []Message) (*Response, error)
}

// StreamProvider is optionally implemented by providers capable of true
// token-by-token SSE streaming. Callers that need streaming but receive a
// Provider without this interface fall back to Chat and fake-stream the
// result in one chunk.
type StreamProvider interface {
	ChatStream(ctx context.Context, model string, messages []Message) (<-chan StreamChunk, http.Header, error)
}

// EmbeddingProvider produces a fixed-dimension embedding vector for a piece
// of text. Implementations never fall back to a hash-derived vector on
// failure — they return an error instead (see §4.2 invariant).
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
