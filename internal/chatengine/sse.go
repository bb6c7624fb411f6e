package chatengine

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseEvent is the wire shape of one streaming frame (§6.3).
type sseEvent struct {
	Type       string  `json:"type"`
	Language   string  `json:"language,omitempty"`
	Intent     string  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Content    string  `json:"content,omitempty"`
	Delta      string  `json:"delta,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// setSSEHeaders mirrors the teacher's handleStreamingChat header set.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeSSEDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func sseFromFrame(ev Event) sseEvent {
	switch ev.Type {
	case "language":
		return sseEvent{Type: "language", Language: ev.Language}
	case "intent":
		return sseEvent{Type: "intent", Intent: ev.Intent, Confidence: ev.Confidence}
	case "content":
		return sseEvent{Type: "content", Delta: ev.ContentDelta}
	case "done":
		return sseEvent{Type: "done"}
	case "error":
		msg := "internal error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return sseEvent{Type: "error", Error: msg}
	default:
		return sseEvent{Type: ev.Type}
	}
}
