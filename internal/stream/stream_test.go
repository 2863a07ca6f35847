package stream

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-gateway/gateway/internal/orchestrator"
)

// sendEvents is a test helper that sends events on a channel in a
// goroutine and closes the channel when done, simulating what the
// orchestrator's runStream does in production.
func sendEvents(events ...orchestrator.StreamEvent) <-chan orchestrator.StreamEvent {
	ch := make(chan orchestrator.StreamEvent)
	go func() {
		defer close(ch)
		for _, e := range events {
			ch <- e
		}
	}()
	return ch
}

func parseFrames(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	return frames
}

func TestWrite_DeltasThenTerminal(t *testing.T) {
	ch := sendEvents(
		orchestrator.StreamEvent{Delta: "Hi"},
		orchestrator.StreamEvent{Delta: " there"},
		orchestrator.StreamEvent{Done: true, MessageID: "m1", PromptTokens: 10, CompletionTokens: 5},
	)

	rec := httptest.NewRecorder()
	err := Write(rec, ch)
	require.NoError(t, err)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 3)

	assert.Equal(t, "Hi", frames[0].Content)
	assert.False(t, frames[0].Done)
	assert.Equal(t, " there", frames[1].Content)
	assert.False(t, frames[1].Done)

	last := frames[2]
	assert.True(t, last.Done)
	assert.Equal(t, "m1", last.MessageID)
	require.NotNil(t, last.PromptTokens)
	require.NotNil(t, last.CompletionTokens)
	assert.Equal(t, 10, *last.PromptTokens)
	assert.Equal(t, 5, *last.CompletionTokens)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestWrite_ErrorTerminatesWithErrorFrame(t *testing.T) {
	ch := sendEvents(
		orchestrator.StreamEvent{Delta: "partial"},
		orchestrator.StreamEvent{Done: true, Err: errors.New("boom")},
	)

	rec := httptest.NewRecorder()
	err := Write(rec, ch)
	require.Error(t, err)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	last := frames[1]
	assert.True(t, last.Done)
	assert.Equal(t, "boom", last.Error)
	assert.Empty(t, last.MessageID)
}
