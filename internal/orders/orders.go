// Package orders implements the intent-driven side-effect engine of §4.4:
// detecting order-turn completion, extracting a structured payload with a
// second LLM call, computing the financial totals, and dispatching the
// result to the tenant backend via internal/webhook.
//
// Grounded on the teacher's JSON-argument decoding idiom in
// internal/llm/anthropic (accumulate provider text, json.Unmarshal into a
// typed struct), adapted here to a single non-streamed extraction call
// rather than a streamed tool-call.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

var confirmationTokens = []string{
	"đồng ý", "xác nhận", "ok", "được", "đặt hàng",
	"confirm", "yes", "agree", "order", "place order",
}

var completionPhrases = map[domain.Intent][]string{
	domain.IntentPlaceOrder: {
		"đơn hàng đã được xác nhận", "đã ghi nhận",
		"order confirmed", "successfully placed",
	},
	domain.IntentUpdateOrder: {
		"đã cập nhật đơn hàng", "cập nhật thành công",
		"order updated", "update confirmed",
	},
	domain.IntentCheckQty: {
		"đã gửi yêu cầu", "sẽ kiểm tra",
		"request sent", "will check",
	},
}

// IsComplete reports whether an order-intent turn satisfies the completion
// heuristic (§4.4): the user message carries a confirmation token and the
// assistant's final answer carries an intent-specific completion phrase.
func IsComplete(intent domain.Intent, userMessage, finalAnswer string) bool {
	phrases, ok := completionPhrases[intent]
	if !ok {
		return false
	}
	return containsAny(userMessage, confirmationTokens) && containsAny(finalAnswer, phrases)
}

func containsAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// PLACE_ORDER payload shapes (§4.4).

type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type Item struct {
	Name        string  `json:"name"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice,omitempty"`
	Description string  `json:"description,omitempty"`
}

type Delivery struct {
	Method  string `json:"method"` // delivery | pickup
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type Payment struct {
	Method string `json:"method"` // cash | bank_transfer | credit_card | cod
	Timing string `json:"timing,omitempty"`
}

type Financial struct {
	Subtotal    float64 `json:"subtotal"`
	TaxAmount   float64 `json:"taxAmount"`
	TotalAmount float64 `json:"totalAmount"`
	Currency    string  `json:"currency"`
}

type PlaceOrderPayload struct {
	Customer Customer `json:"customer"`
	Items    []Item   `json:"items"`
	Delivery Delivery `json:"delivery"`
	Payment  Payment  `json:"payment"`
	Notes    string   `json:"notes,omitempty"`

	Financial Financial `json:"financial"`
}

// UPDATE_ORDER payload shape.

type OrderChanges struct {
	Products any `json:"products,omitempty"`
	Customer any `json:"customer,omitempty"`
	Delivery any `json:"delivery,omitempty"`
	Payment  any `json:"payment,omitempty"`
}

type UpdateOrderPayload struct {
	OrderCode    string       `json:"order_code"`
	Changes      OrderChanges `json:"changes"`
	UpdateReason string       `json:"update_reason,omitempty"`
	Notes        string       `json:"notes,omitempty"`
}

// CHECK_QUANTITY payload shape.

type ProductQuery struct {
	Name           string  `json:"name"`
	QuantityNeeded float64 `json:"quantity_needed"`
	Specifications string  `json:"specifications,omitempty"`
}

type CustomerContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type CheckQuantityPayload struct {
	Products        []ProductQuery  `json:"products"`
	CustomerContact CustomerContact `json:"customer_contact"`
	ContactMethod   string          `json:"contact_method"` // email | sms
	Urgency         string          `json:"urgency"`        // normal | urgent
	Notes           string          `json:"notes,omitempty"`
}

// Engine extracts structured order payloads and dispatches them.
type Engine struct {
	provider   llm.Provider
	model      string
	dispatcher *webhook.Dispatcher
	backendURL string
	taxRate    float64
}

func New(provider llm.Provider, model string, dispatcher *webhook.Dispatcher, backendURL string, taxRate float64) *Engine {
	if taxRate <= 0 {
		taxRate = 0.10
	}
	return &Engine{
		provider:   provider,
		model:      model,
		dispatcher: dispatcher,
		backendURL: backendURL,
		taxRate:    taxRate,
	}
}

const extractionSystemPrompt = `You extract a structured order payload from a conversation.
Respond with a single JSON object matching the requested schema exactly. Do
not include any prose, markdown fences, or explanation — only the JSON
object.`

// Process runs the full side-effect: extraction, financial computation, and
// dispatch. It is called after a completed order-intent turn and is always
// best-effort — its error is for logging only.
func (e *Engine) Process(ctx context.Context, companyID string, intent domain.Intent, turns []domain.ScratchMessage, channel domain.Channel) error {
	schemaPrompt, err := schemaPromptFor(intent)
	if err != nil {
		return err
	}

	raw, err := e.extract(ctx, schemaPrompt, turns)
	if err != nil {
		return fmt.Errorf("extract order payload: %w", err)
	}

	switch intent {
	case domain.IntentPlaceOrder:
		var payload PlaceOrderPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("unmarshal place-order payload: %w", err)
		}
		payload.Financial = computeFinancial(payload.Items, e.taxRate)

		data := map[string]any{
			"customer": payload.Customer,
			"items":    payload.Items,
			"delivery": payload.Delivery,
			"payment":  payload.Payment,
			"notes":    payload.Notes,
			"financial": payload.Financial,
			"channel":  map[string]any{"type": channel},
		}
		env := webhook.NewEnvelope("order.created", companyID, data, nil)
		return e.dispatcher.Send(ctx, "POST", e.backendURL+"/api/webhooks/orders/ai", env)

	case domain.IntentUpdateOrder:
		var payload UpdateOrderPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("unmarshal update-order payload: %w", err)
		}
		if payload.OrderCode == "" {
			return fmt.Errorf("update-order extraction missing order_code, skipping dispatch")
		}

		data := map[string]any{
			"changes":       payload.Changes,
			"update_reason": payload.UpdateReason,
			"notes":         payload.Notes,
			"channel":       map[string]any{"type": channel},
		}
		env := webhook.NewEnvelope("order.updated", companyID, data, nil)
		url := fmt.Sprintf("%s/api/webhooks/orders/%s/ai", e.backendURL, payload.OrderCode)
		return e.dispatcher.Send(ctx, "PUT", url, env)

	case domain.IntentCheckQty:
		var payload CheckQuantityPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("unmarshal check-quantity payload: %w", err)
		}

		data := map[string]any{
			"products":         payload.Products,
			"customer_contact": payload.CustomerContact,
			"contact_method":   payload.ContactMethod,
			"urgency":          payload.Urgency,
			"notes":            payload.Notes,
			"channel":          map[string]any{"type": channel},
		}
		env := webhook.NewEnvelope("order.check-quantity", companyID, data, nil)
		return e.dispatcher.Send(ctx, "POST", e.backendURL+"/api/webhooks/orders/check-quantity/ai", env)

	default:
		return fmt.Errorf("intent %q is not an order intent", intent)
	}
}

func (e *Engine) extract(ctx context.Context, schemaPrompt string, turns []domain.ScratchMessage) ([]byte, error) {
	const maxTurns = 10
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	messages := make([]llm.Message, 0, len(turns)+2)
	messages = append(messages, llm.Message{Role: "system", Content: extractionSystemPrompt + "\n\n" + schemaPrompt})
	for _, t := range turns {
		role := "user"
		if t.Role == domain.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Content})
	}

	resp, err := e.provider.Chat(ctx, e.model, messages)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(resp.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("extraction response is not valid JSON")
	}

	return []byte(content), nil
}

func schemaPromptFor(intent domain.Intent) (string, error) {
	switch intent {
	case domain.IntentPlaceOrder:
		return `Schema: {"customer":{"name":"","phone":"","email":"","address":""},"items":[{"name":"","quantity":0,"unitPrice":0,"description":""}],"delivery":{"method":"delivery|pickup","address":"","notes":""},"payment":{"method":"cash|bank_transfer|credit_card|cod","timing":""},"notes":""}`, nil
	case domain.IntentUpdateOrder:
		return `Schema: {"order_code":"","changes":{"products":null,"customer":null,"delivery":null,"payment":null},"update_reason":"","notes":""}`, nil
	case domain.IntentCheckQty:
		return `Schema: {"products":[{"name":"","quantity_needed":0,"specifications":""}],"customer_contact":{"name":"","phone":"","email":""},"contact_method":"email|sms","urgency":"normal|urgent","notes":""}`, nil
	default:
		return "", fmt.Errorf("intent %q has no extraction schema", intent)
	}
}

// computeFinancial derives subtotal/tax/total per §4.4: subtotal is the sum
// of quantity·unitPrice across items, tax is subtotal·rate rounded to the
// nearest unit, and total is their sum.
func computeFinancial(items []Item, taxRate float64) Financial {
	var subtotal float64
	for _, it := range items {
		subtotal += it.Quantity * it.UnitPrice
	}
	taxAmount := math.Round(subtotal * taxRate)
	return Financial{
		Subtotal:    subtotal,
		TaxAmount:   taxAmount,
		TotalAmount: subtotal + taxAmount,
		Currency:    "VND",
	}
}
