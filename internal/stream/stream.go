// Package stream writes the orchestrator's StreamEvent channel out as
// Server-Sent Events in the gateway's wire format (§6): a bare
// {content, done} frame per delta, a terminal frame carrying
// message_id/prompt_tokens/completion_tokens, or — if the pipeline
// failed — a terminal {error, done:true} frame. Unlike an
// OpenAI-compatible stream, there is no [DONE] sentinel: the terminal
// frame's done:true is the end-of-stream signal.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/llm-gateway/gateway/internal/orchestrator"
)

// frame is the JSON shape of every SSE event this package writes.
type frame struct {
	Content          string `json:"content"`
	Done             bool   `json:"done"`
	MessageID        string `json:"message_id,omitempty"`
	PromptTokens     *int   `json:"prompt_tokens,omitempty"`
	CompletionTokens *int   `json:"completion_tokens,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Write reads StreamEvents from events and writes them to w as SSE,
// flushing after every frame so the client sees tokens as they arrive.
// It returns the event's carried error, if the stream ended that way,
// so the caller can log it — by the time any event has been written,
// response headers are already sent and the status code can't change.
func Write(w http.ResponseWriter, events <-chan orchestrator.StreamEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var streamErr error
	for ev := range events {
		f := frame{Content: ev.Delta, Done: ev.Done}
		if ev.Done && ev.Err == nil {
			f.MessageID = ev.MessageID
			f.PromptTokens = &ev.PromptTokens
			f.CompletionTokens = &ev.CompletionTokens
		}
		if ev.Err != nil {
			f.Done = true
			f.Error = ev.Err.Error()
			streamErr = ev.Err
		}

		if err := writeFrame(w, f); err != nil {
			return err
		}
		flusher.Flush()
	}

	return streamErr
}

func writeFrame(w http.ResponseWriter, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling SSE frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	return nil
}
