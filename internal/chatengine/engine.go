package chatengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/corsstore"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/orders"
	"github.com/rakunlabs/aiservice/internal/scratch"
	"github.com/rakunlabs/aiservice/internal/store"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

// Engine is the channel router and streaming chat engine of §4.1. It
// owns no locks across I/O beyond the per-session scratch lock, which is
// released before every LLM call (§5).
type Engine struct {
	scratch    *scratch.Store
	rag        *Assembler
	context    store.CompanyContextStorer
	cors       *corsstore.Store
	provider   llm.Provider
	model      string
	dispatcher *webhook.Dispatcher
	backendURL string
	orders     *orders.Engine
}

func New(
	scr *scratch.Store,
	rag *Assembler,
	ctxStore store.CompanyContextStorer,
	cors *corsstore.Store,
	provider llm.Provider,
	model string,
	dispatcher *webhook.Dispatcher,
	backendURL string,
	ordersEngine *orders.Engine,
) *Engine {
	return &Engine{
		scratch:    scr,
		rag:        rag,
		context:    ctxStore,
		cors:       cors,
		provider:   provider,
		model:      model,
		dispatcher: dispatcher,
		backendURL: backendURL,
		orders:     ordersEngine,
	}
}

// HandleChatStream implements POST /api/unified/chat-stream (§4.1).
func (e *Engine) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req domain.ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.New(apierr.CodeMissingRequiredField, "invalid request body"))
		return
	}

	if req.MessageID == "" {
		req.MessageID = generateMessageID()
	}

	policy, err := PolicyFor(req.Channel)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	source, _ := req.Channel.Source()
	req.UserInfo.Source = source

	if policy.RequireCORS() {
		origin := r.Header.Get("Origin")
		allowed, _, err := e.cors.Allowed(r.Context(), req.PluginID, origin)
		if err != nil || !allowed {
			writeAPIErr(w, apierr.New(apierr.CodeOriginNotAllowed, "origin not allowed for this plugin"))
			return
		}
	}

	if err := policy.Validate(req); err != nil {
		writeAPIErr(w, err)
		return
	}

	ctx := r.Context()
	key := scratch.Key(req.CompanyID, req.UserInfo, req.SessionID, r.Header)
	history := e.scratch.History(key)
	isFirstTurn := len(history) == 0
	e.scratch.Append(key, domain.RoleUser, req.Message)

	ragContext, err := e.rag.Assemble(ctx, req.CompanyID, req.Message, req.Language, domain.AllDataTypes)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	companyContext := e.fetchCompanyContext(ctx, req.CompanyID)
	messages := BuildPrompt(companyContext, ragContext, history, req.Message)

	var (
		finalAnswer  string
		intent       domain.Intent
		language     string
		streamFailed bool
	)

	if policy.Stream() {
		finalAnswer, intent, language, streamFailed = e.serveStream(w, r, messages)
	} else {
		finalAnswer, intent, language, err = e.collectSync(ctx, messages)
		if err != nil {
			writeAPIErr(w, apierr.New(apierr.CodeLLMFailed, "llm call failed"))
			return
		}
	}

	if streamFailed {
		// Partial assistant content is still recorded for analytics; the
		// webhook fan-out and side-effect engine are skipped (§4.1
		// failure semantics).
		e.scratch.Append(key, domain.RoleAssistant, finalAnswer)
		return
	}

	assistantMsg := e.scratch.Append(key, domain.RoleAssistant, finalAnswer)
	structured := domain.StructuredResponse{Intent: intent, Language: language, FinalAnswer: finalAnswer}

	// Webhook fan-out is always best-effort and never blocks the
	// response (§4.1, §4.5); detach from the request context so client
	// disconnects don't cancel already-scheduled webhooks.
	go e.fanOutWebhooks(detach(ctx), req, structured, assistantMsg, isFirstTurn)

	if intent.IsOrderIntent() && orders.IsComplete(intent, req.Message, finalAnswer) {
		turns := e.scratch.History(key)
		go func() {
			if err := e.orders.Process(detach(ctx), req.CompanyID, intent, turns, req.Channel); err != nil {
				slog.Error("chatengine: order side effect failed", "intent", intent, "error", err)
			}
		}()
	}

	if !policy.Stream() {
		if err := e.postBackendResponse(ctx, req, structured); err != nil {
			slog.Error("chatengine: backend post failed", "error", err)
			writeAPIErr(w, apierr.New(apierr.CodeBackendPostFailed, "failed to post response to backend"))
			return
		}
		writeJSON(w, map[string]any{"type": "backend_processed", "channel": req.Channel, "success": true})
	}
}

// serveStream drives the SSE response for frontend channels, returning
// the accumulated final_answer/intent/language for post-stream
// bookkeeping and whether the stream ended in failure.
func (e *Engine) serveStream(w http.ResponseWriter, r *http.Request, messages []llm.Message) (finalAnswer string, intent domain.Intent, language string, failed bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.CodeInternal, "response writer does not support streaming"))
		return "", "", "", true
	}
	setSSEHeaders(w)

	var answer strings.Builder
	for ev := range e.runExtraction(r.Context(), messages) {
		switch ev.Type {
		case "intent":
			intent = domain.Intent(ev.Intent)
		case "language":
			language = ev.Language
		case "content":
			answer.WriteString(ev.ContentDelta)
		case "error":
			writeSSE(w, flusher, sseEvent{Type: "content", Content: "Sorry, something went wrong, please try again."})
			writeSSE(w, flusher, sseFromFrame(ev))
			writeSSE(w, flusher, sseEvent{Type: "done"})
			writeSSEDone(w, flusher)
			return answer.String(), intent, language, true
		}
		writeSSE(w, flusher, sseFromFrame(ev))
	}

	writeSSEDone(w, flusher)
	return answer.String(), intent, language, false
}

// collectSync drains the extraction channel for backend channels, which
// accumulate the full structured response in memory before POSTing it
// (§4.1 step 7).
func (e *Engine) collectSync(ctx context.Context, messages []llm.Message) (finalAnswer string, intent domain.Intent, language string, err error) {
	var answer strings.Builder
	for ev := range e.runExtraction(ctx, messages) {
		switch ev.Type {
		case "intent":
			intent = domain.Intent(ev.Intent)
		case "language":
			language = ev.Language
		case "content":
			answer.WriteString(ev.ContentDelta)
		case "error":
			err = ev.Err
		}
	}
	return answer.String(), intent, language, err
}

// runExtraction opens the streaming LLM call and feeds its output
// through a JSON-frame Extractor, falling back to a single non-streamed
// Chat call fed through the same extractor when the provider has no
// true streaming support (teacher gateway.go's true-vs-fake streaming
// branch, generalized to this engine's event channel).
func (e *Engine) runExtraction(ctx context.Context, messages []llm.Message) <-chan Event {
	out := make(chan Event, 8)
	extractor := NewExtractor()

	go func() {
		defer close(out)

		if sp, ok := e.provider.(llm.StreamProvider); ok {
			chunks, _, err := sp.ChatStream(ctx, e.model, messages)
			if err != nil {
				out <- extractor.Fail(err)
				return
			}
			for c := range chunks {
				if c.Error != nil {
					out <- extractor.Fail(c.Error)
					return
				}
				for _, ev := range extractor.Feed(c.Content) {
					out <- ev
				}
			}
			if !extractor.Done() {
				out <- extractor.Fail(fmt.Errorf("llm stream ended before final_answer closed"))
			}
			return
		}

		resp, err := e.provider.Chat(ctx, e.model, messages)
		if err != nil {
			out <- extractor.Fail(err)
			return
		}
		for _, ev := range extractor.Feed(resp.Content) {
			out <- ev
		}
		if !extractor.Done() {
			out <- extractor.Fail(fmt.Errorf("llm response did not contain a closed final_answer"))
		}
	}()

	return out
}

func (e *Engine) fetchCompanyContext(ctx context.Context, companyID string) string {
	if e.context == nil {
		return ""
	}
	records, err := e.context.GetContext(ctx, companyID, "basic-info")
	if err != nil || len(records) == 0 {
		return ""
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		if b, err := json.Marshal(r); err == nil {
			lines = append(lines, string(b))
		}
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) postBackendResponse(ctx context.Context, req domain.ChannelRequest, structured domain.StructuredResponse) error {
	data := map[string]any{
		"message_id":          req.MessageID,
		"channel":             req.Channel,
		"structured_response": structured,
	}
	env := webhook.NewEnvelope("ai.response.completed", req.CompanyID, data, nil)
	return e.dispatcher.Send(ctx, http.MethodPost, e.backendURL+"/api/ai/response", env)
}

// fanOutWebhooks emits the conversation-lifecycle events of §4.5.
func (e *Engine) fanOutWebhooks(ctx context.Context, req domain.ChannelRequest, structured domain.StructuredResponse, assistantMsg domain.ScratchMessage, isFirstTurn bool) {
	conversationURL := e.backendURL + "/api/webhooks/ai/conversation"

	if isFirstTurn {
		e.sendEvent(ctx, "conversation.created", req.CompanyID, conversationURL, map[string]any{
			"messageId": req.MessageID,
			"companyId": req.CompanyID,
			"userInfo":  req.UserInfo,
		})
	}

	userData := map[string]any{
		"messageId": req.MessageID,
		"companyId": req.CompanyID,
		"userInfo":  req.UserInfo,
		"message":   req.Message,
		"role":      "user",
	}
	e.sendEvent(ctx, "message.created", req.CompanyID, conversationURL, userData)

	assistantData := map[string]any{
		"messageId": assistantMsg.MessageID,
		"companyId": req.CompanyID,
		"message":   structured.FinalAnswer,
		"role":      "assistant",
	}
	e.sendEvent(ctx, "message.created", req.CompanyID, conversationURL, assistantData)

	if req.Channel.IsFrontend() {
		e.sendEvent(ctx, "ai.response.plugin.completed", req.CompanyID, conversationURL, map[string]any{
			"userMessage": userData,
			"aiResponse":  assistantData,
		})
	}
}

func (e *Engine) sendEvent(ctx context.Context, event, companyID, url string, data map[string]any) {
	env := webhook.NewEnvelope(event, companyID, data, nil)
	if err := e.dispatcher.Send(ctx, http.MethodPost, url, env); err != nil {
		slog.Error("chatengine: webhook dispatch failed", "event", event, "error", err)
	}
}

func writeAPIErr(w http.ResponseWriter, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		apierr.WriteHTTP(w, ae)
		return
	}
	apierr.WriteHTTP(w, apierr.New(apierr.CodeInternal, err.Error()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(v)
	w.Write(data)
}

// detach strips a context's cancellation while keeping its values, so a
// client disconnect does not cancel webhooks or order side effects that
// have already been scheduled (§4.1: "webhooks already dispatched are
// not recalled").
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

const msgIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func generateMessageID() string {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = msgIDAlphabet[rand.Intn(len(msgIDAlphabet))]
	}
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), suffix)
}
