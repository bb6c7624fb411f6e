package chatengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/corsstore"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/orders"
	"github.com/rakunlabs/aiservice/internal/scratch"
	"github.com/rakunlabs/aiservice/internal/store/memory"
	"github.com/rakunlabs/aiservice/internal/vectorstore"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

// fakeProvider returns a fixed structured-response body, simulating a
// non-streaming LLM call (§4.1 step 7's fake-stream fallback path).
type fakeProvider struct {
	content string
}

func (p *fakeProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	return &llm.Response{Content: p.content}, nil
}

func structuredJSON(language, intent, answer string) string {
	return fmt.Sprintf(`{"thinking":{"language":%q,"intent":%q,"persona":"helper","reasoning":"n/a"},"intent":%q,"language":%q,"final_answer":%q}`,
		language, intent, intent, language, answer)
}

type noSearch struct{}

func (noSearch) Search(ctx context.Context, queryVector []float32, topK int, filter vectorstore.SearchFilter) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return []float32{0.1}, nil }
func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (fakeEmbedder) Dimension() int { return 1 }

func testEngine(t *testing.T, provider llm.Provider, backendURL string) *Engine {
	t.Helper()

	scr := scratch.New(t.Context())
	assembler := NewAssembler(noSearch{}, fakeEmbedder{}, RAGConfig{})
	ctxStore := memory.New()

	corsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"companyId": "C1", "allowedDomains": []string{"https://good.example"}})
	}))
	t.Cleanup(corsSrv.Close)
	cors, err := corsstore.New(corsSrv.URL, time.Minute)
	if err != nil {
		t.Fatalf("corsstore.New: %v", err)
	}

	dispatcher, err := webhook.New(config.Webhook{Secret: "s", MaxAttempts: 1, Backoff: time.Millisecond}, "test")
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}

	ordersEngine := orders.New(provider, "test-model", dispatcher, backendURL, 0.10)

	return New(scr, assembler, ctxStore, cors, provider, "test-model", dispatcher, backendURL, ordersEngine)
}

func TestChatStreamFrontendHappyPath(t *testing.T) {
	provider := &fakeProvider{content: structuredJSON("en", "GENERAL_CHAT", "Hello there!")}

	var conversationEvents []map[string]any
	var mu sync.Mutex
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/api/webhooks/ai/conversation") {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			conversationEvents = append(conversationEvents, body)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	engine := testEngine(t, provider, backendSrv.URL)

	body := `{"channel":"chatdemo","company_id":"C1","message":"Hello","user_info":{"user_id":"u","device_id":"d","source":"ignored"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/unified/chat-stream", strings.NewReader(body))
	rec := httptest.NewRecorder()

	engine.HandleChatStream(rec, req)

	resp := rec.Result()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	raw := rec.Body.String()
	for _, want := range []string{`"type":"language"`, `"type":"intent"`, `"type":"content"`, `"type":"done"`} {
		if !strings.Contains(raw, want) {
			t.Fatalf("stream missing event %s; got:\n%s", want, raw)
		}
	}
	if !strings.HasSuffix(strings.TrimRight(raw, "\n"), "data: [DONE]") {
		t.Fatalf("stream did not terminate with data: [DONE], got:\n%s", raw)
	}

	// Webhook fan-out is best-effort/async; give the goroutine a beat.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(conversationEvents)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range conversationEvents {
		if ev["event"] == "ai.response.plugin.completed" {
			data, _ := ev["data"].(map[string]any)
			userInfo, _ := data["userMessage"].(map[string]any)["userInfo"].(map[string]any)
			if userInfo["source"] == "web_device" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected an ai.response.plugin.completed event with userInfo.source == web_device, got %#v", conversationEvents)
	}
}

func TestChatStreamBackendChannelCompletion(t *testing.T) {
	provider := &fakeProvider{content: structuredJSON("vi", "INFORMATION", "Giá phòng là 500k VND mỗi đêm.")}

	var aiResponseBody map[string]any
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/api/ai/response") {
			json.NewDecoder(r.Body).Decode(&aiResponseBody)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	engine := testEngine(t, provider, backendSrv.URL)

	body := `{"channel":"messenger","company_id":"C1","message_id":"msg_X","message":"Giá phòng?","user_info":{"user_id":"FB1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/unified/chat-stream", strings.NewReader(body))
	rec := httptest.NewRecorder()

	engine.HandleChatStream(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v; body=%s", err, rec.Body.String())
	}
	if got["type"] != "backend_processed" || got["channel"] != "messenger" || got["success"] != true {
		t.Fatalf("unexpected response body: %#v", got)
	}

	if aiResponseBody == nil {
		t.Fatal("expected a POST to /api/ai/response")
	}
	data, _ := aiResponseBody["data"].(map[string]any)
	if data["message_id"] != "msg_X" {
		t.Fatalf("message_id = %v, want msg_X", data["message_id"])
	}
	structured, _ := data["structured_response"].(map[string]any)
	if fa, _ := structured["final_answer"].(string); fa == "" {
		t.Fatalf("expected non-empty final_answer in structured_response, got %#v", structured)
	}
}

func TestChatStreamCORSRejection(t *testing.T) {
	var llmCalled bool
	provider := &countingProvider{called: &llmCalled}

	var webhookCalled bool
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	engine := testEngine(t, provider, backendSrv.URL)

	body := `{"channel":"chat-plugin","company_id":"C1","plugin_id":"P1","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/unified/chat-stream", strings.NewReader(body))
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()

	engine.HandleChatStream(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body=%s", rec.Code, rec.Body.String())
	}
	if llmCalled {
		t.Fatal("LLM must not be called on CORS rejection")
	}

	time.Sleep(50 * time.Millisecond)
	if webhookCalled {
		t.Fatal("no webhook must be dispatched on CORS rejection")
	}
}

type countingProvider struct {
	called *bool
}

func (p *countingProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	*p.called = true
	return &llm.Response{Content: structuredJSON("en", "GENERAL_CHAT", "unused")}, nil
}
