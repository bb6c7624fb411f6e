// Package gemini adapts Google's generativelanguage.googleapis.com API
// (API-key authenticated, distinct wire format from the OpenAI-compatible
// providers) to the llm.Provider and llm.StreamProvider contracts.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"

	"github.com/rakunlabs/aiservice/internal/llm"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type Provider struct {
	APIKey string
	Model  string

	client *klient.Client
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{"Content-Type": []string{"application/json"}}),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, err
	}

	return &Provider{APIKey: apiKey, Model: model, client: client}, nil
}

type genContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []genPart  `json:"parts"`
}

type genPart struct {
	Text string `json:"text"`
}

type genRequest struct {
	Contents          []genContent `json:"contents"`
	SystemInstruction *genContent  `json:"systemInstruction,omitempty"`
}

type genResponse struct {
	Error      *genError      `json:"error,omitempty"`
	Candidates []genCandidate `json:"candidates"`
	UsageMeta  *genUsage      `json:"usageMetadata,omitempty"`
}

type genError struct {
	Message string `json:"message"`
}

type genCandidate struct {
	Content      genContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type genUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (p *Provider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	if model == "" {
		model = p.Model
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent?key=%s", model, p.APIKey)

	reqBody := buildRequest(messages)
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result genResponse
	var headers http.Header
	if err := p.client.Do(req, func(r *http.Response) error {
		headers = r.Header
		bodyData, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(bodyData, &result); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(bodyData))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, fmt.Errorf("gemini: %s", result.Error.Message)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: no candidates returned")
	}

	resp := &llm.Response{Header: headers}
	for _, part := range result.Candidates[0].Content.Parts {
		resp.Content += part.Text
	}
	if result.UsageMeta != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     result.UsageMeta.PromptTokenCount,
			CompletionTokens: result.UsageMeta.CandidatesTokenCount,
			TotalTokens:      result.UsageMeta.TotalTokenCount,
		}
	}

	return resp, nil
}

// ChatStream uses Gemini's :streamGenerateContent?alt=sse endpoint, which
// emits the same JSON shape as the non-streaming call per SSE frame.
func (p *Provider) ChatStream(ctx context.Context, model string, messages []llm.Message) (<-chan llm.StreamChunk, http.Header, error) {
	if model == "" {
		model = p.Model
	}

	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", model, p.APIKey)

	reqBody := buildRequest(messages)
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("X-Request-Id", ulid.Make().String())

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("streaming request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyData, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(bodyData))
	}

	ch := make(chan llm.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var sr genResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				ch <- llm.StreamChunk{Error: fmt.Errorf("parse SSE chunk: %w", err)}
				return
			}
			if sr.Error != nil {
				ch <- llm.StreamChunk{Error: fmt.Errorf("gemini error: %s", sr.Error.Message)}
				return
			}
			if len(sr.Candidates) == 0 {
				continue
			}

			cand := sr.Candidates[0]
			var text string
			for _, part := range cand.Content.Parts {
				text += part.Text
			}

			chunk := llm.StreamChunk{Content: text}
			if cand.FinishReason != "" {
				chunk.FinishReason = "stop"
				if sr.UsageMeta != nil {
					chunk.Usage = &llm.Usage{
						PromptTokens:     sr.UsageMeta.PromptTokenCount,
						CompletionTokens: sr.UsageMeta.CandidatesTokenCount,
						TotalTokens:      sr.UsageMeta.TotalTokenCount,
					}
				}
			}
			ch <- chunk
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamChunk{Error: fmt.Errorf("stream read error: %w", err)}
		}
	}()

	return ch, resp.Header, nil
}

func buildRequest(messages []llm.Message) genRequest {
	var sys *genContent
	var contents []genContent

	for _, msg := range messages {
		if msg.Role == "system" {
			if sys == nil {
				sys = &genContent{Parts: []genPart{{Text: msg.Content}}}
			} else {
				sys.Parts[0].Text += "\n" + msg.Content
			}
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, genContent{Role: role, Parts: []genPart{{Text: msg.Content}}})
	}

	return genRequest{Contents: contents, SystemInstruction: sys}
}
