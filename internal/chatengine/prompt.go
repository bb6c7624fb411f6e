package chatengine

import (
	"strings"

	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
)

// systemPreamble describes the seven intents and the exact JSON output
// schema the engine's JSON-frame extractor depends on (§4.1 step 6,
// §9 tagged-variant note). thinking.language and thinking.intent are
// ordered first in the schema so the extractor can resolve them before
// final_answer starts streaming.
const systemPreamble = `You are a multilingual conversational AI assistant for a business messaging platform.
Respond with a single JSON object only, no markdown fences and no text outside the object, matching exactly:

{
  "thinking": {"language": "<ISO 639-1 code>", "intent": "<INTENT>", "persona": "<short persona note>", "reasoning": "<brief reasoning>"},
  "intent": "<INTENT>",
  "language": "<ISO 639-1 code>",
  "final_answer": "<the human-visible reply, written in the detected language>"
}

<INTENT> is one of: INFORMATION, SALES_INQUIRY, SUPPORT, GENERAL_CHAT, PLACE_ORDER, UPDATE_ORDER, CHECK_QUANTITY.
Put thinking.language and thinking.intent first in the object, before persona and reasoning.`

// BuildPrompt assembles the LLM input for one turn (§4.1 step 6): the
// fixed system preamble, the company context block, the retrieved RAG
// block, the last N scratch turns, and the current message.
func BuildPrompt(companyContext, ragContext string, history []domain.ScratchMessage, message string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(systemPreamble)

	if companyContext != "" {
		sb.WriteString("\n\nCompany context:\n")
		sb.WriteString(companyContext)
	}
	if ragContext != "" {
		sb.WriteString("\n\nRetrieved context:\n")
		sb.WriteString(ragContext)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: sb.String()})

	for _, turn := range history {
		role := "user"
		if turn.Role == domain.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}

	messages = append(messages, llm.Message{Role: "user", Content: message})
	return messages
}
