package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

type fakeProvider struct {
	content string
}

func (p *fakeProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	return &llm.Response{Content: p.content}, nil
}

func TestIsCompletePlaceOrderVietnamese(t *testing.T) {
	got := IsComplete(domain.IntentPlaceOrder, "Đồng ý, đặt hàng luôn nhé", "Đơn hàng đã được xác nhận, cảm ơn bạn!")
	if !got {
		t.Fatal("expected completion heuristic to match")
	}
}

func TestIsCompletePlaceOrderEnglish(t *testing.T) {
	got := IsComplete(domain.IntentPlaceOrder, "Yes, confirm the order please", "Your order has been successfully placed.")
	if !got {
		t.Fatal("expected completion heuristic to match")
	}
}

func TestIsCompleteRequiresBothSides(t *testing.T) {
	if IsComplete(domain.IntentPlaceOrder, "yes confirm", "Thanks, anything else?") {
		t.Fatal("should not complete without a matching completion phrase")
	}
	if IsComplete(domain.IntentPlaceOrder, "what's the price?", "Order confirmed") {
		t.Fatal("should not complete without a user confirmation token")
	}
}

func TestIsCompleteUnknownIntent(t *testing.T) {
	if IsComplete(domain.IntentInformation, "confirm", "order confirmed") {
		t.Fatal("non-order intents never complete")
	}
}

func TestComputeFinancial(t *testing.T) {
	items := []Item{
		{Name: "Widget", Quantity: 2, UnitPrice: 100},
		{Name: "Gadget", Quantity: 1, UnitPrice: 50},
	}
	f := computeFinancial(items, 0.10)

	if f.Subtotal != 250 {
		t.Fatalf("subtotal = %v, want 250", f.Subtotal)
	}
	if f.TaxAmount != 25 {
		t.Fatalf("taxAmount = %v, want 25", f.TaxAmount)
	}
	if f.TotalAmount != f.Subtotal+f.TaxAmount {
		t.Fatalf("totalAmount %v != subtotal+tax %v", f.TotalAmount, f.Subtotal+f.TaxAmount)
	}
	if f.Currency != "VND" {
		t.Fatalf("currency = %q, want VND", f.Currency)
	}
}

func TestProcessPlaceOrderDispatchesToBackend(t *testing.T) {
	var receivedPath string
	var receivedBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		decodeJSONBody(t, r, &receivedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider := &fakeProvider{content: `{"customer":{"name":"An","phone":"0900000000"},"items":[{"name":"Widget","quantity":2,"unitPrice":100}],"delivery":{"method":"delivery"},"payment":{"method":"cash"}}`}

	dispatcher, err := webhook.New(config.Webhook{Secret: "s", TimeoutSec: 2, MaxAttempts: 1, Backoff: time.Millisecond}, "test")
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}

	engine := New(provider, "test-model", dispatcher, srv.URL, 0.10)

	turns := []domain.ScratchMessage{
		{Role: domain.RoleUser, Content: "I want to order 2 widgets"},
		{Role: domain.RoleAssistant, Content: "Sure, anything else?"},
		{Role: domain.RoleUser, Content: "Yes, confirm the order"},
	}

	if err := engine.Process(t.Context(), "co-1", domain.IntentPlaceOrder, turns, domain.ChannelChatPlugin); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if receivedPath != "/api/webhooks/orders/ai" {
		t.Fatalf("path = %q, want /api/webhooks/orders/ai", receivedPath)
	}

	data, ok := receivedBody["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object in envelope, got %#v", receivedBody)
	}
	financial, ok := data["financial"].(map[string]any)
	if !ok {
		t.Fatalf("expected financial object, got %#v", data)
	}
	if financial["totalAmount"].(float64) != financial["subtotal"].(float64)+financial["taxAmount"].(float64) {
		t.Fatalf("totalAmount inconsistent: %#v", financial)
	}
}

func TestProcessUpdateOrderSkipsWithoutOrderCode(t *testing.T) {
	provider := &fakeProvider{content: `{"order_code":"","changes":{}}`}

	dispatcher, err := webhook.New(config.Webhook{Secret: "s", MaxAttempts: 1, Backoff: time.Millisecond}, "test")
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}

	engine := New(provider, "test-model", dispatcher, "http://example.invalid", 0.10)

	err = engine.Process(t.Context(), "co-1", domain.IntentUpdateOrder, nil, domain.ChannelWhatsapp)
	if err == nil {
		t.Fatal("expected error when order_code is missing")
	}
}

func decodeJSONBody(t *testing.T, r *http.Request, v *map[string]any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
}
