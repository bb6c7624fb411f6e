// Package chatengine implements the channel router and streaming chat
// engine of §4.1: normalize a chat request, assemble RAG context, run the
// LLM, split its structured JSON output into a user-facing stream plus
// side-effect metadata, and schedule webhooks and order side effects.
//
// Grounded directly on the teacher's internal/server/gateway.go
// handleStreamingChat/writeSSEChunk/writeSSEError and chat.go's
// backend-channel request handling, generalized from one OpenAI-shaped
// endpoint to the six-channel router this spec describes.
package chatengine

import (
	"fmt"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/domain"
)

// ChannelPolicy decides how a channel's response is shaped and what it
// requires, per §9's "capability interfaces" note: one small interface
// instead of a channel class hierarchy.
type ChannelPolicy interface {
	// Stream reports whether the response is an SSE stream (frontend) or
	// a single buffered JSON reply after a backend POST (backend).
	Stream() bool

	// RequireCORS reports whether plugin_id/Origin must be checked
	// against the corsstore before any further processing.
	RequireCORS() bool

	// Validate checks the channel-specific required fields of the
	// request, returning a typed apierr on violation (§4.1 step 3).
	Validate(req domain.ChannelRequest) error
}

type backendChannelPolicy struct{}

func (backendChannelPolicy) Stream() bool      { return false }
func (backendChannelPolicy) RequireCORS() bool { return false }

func (backendChannelPolicy) Validate(req domain.ChannelRequest) error {
	if req.UserInfo.UserID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "user_info.user_id is required for backend channels")
	}
	return nil
}

type chatPluginPolicy struct{}

func (chatPluginPolicy) Stream() bool      { return true }
func (chatPluginPolicy) RequireCORS() bool { return true }

func (chatPluginPolicy) Validate(req domain.ChannelRequest) error {
	if req.PluginID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "plugin_id is required for chat-plugin")
	}
	return nil
}

type chatdemoPolicy struct{}

func (chatdemoPolicy) Stream() bool      { return true }
func (chatdemoPolicy) RequireCORS() bool { return false }
func (chatdemoPolicy) Validate(domain.ChannelRequest) error { return nil }

// PolicyFor resolves the channel policy, failing with INVALID_CHANNEL for
// anything outside the closed set (§4.1 step 2).
func PolicyFor(c domain.Channel) (ChannelPolicy, error) {
	switch c {
	case domain.ChannelMessenger, domain.ChannelInstagram, domain.ChannelWhatsapp, domain.ChannelZalo:
		return backendChannelPolicy{}, nil
	case domain.ChannelChatPlugin:
		return chatPluginPolicy{}, nil
	case domain.ChannelChatdemo:
		return chatdemoPolicy{}, nil
	default:
		return nil, apierr.New(apierr.CodeInvalidChannel, fmt.Sprintf("unknown channel %q", c))
	}
}
