// Package provider defines the Provider capability contract and the
// adapters that speak each upstream's protocol.
//
// Every LLM backend (OpenAI-compatible, Anthropic, GigaChat) implements
// the Provider interface. The rest of the gateway — the orchestrator, the
// registry, the SSE writer — works with these unified types, so it never
// needs to know which upstream is actually handling a request.
package provider

import "context"

// Provider is the two-method capability contract every adapter satisfies.
// Go interfaces are implicit: any struct with these methods automatically
// implements Provider — no "implements" keyword needed.
type Provider interface {
	// Name returns the provider identifier, e.g. "openai" or "anthropic".
	// Used for logging, metrics labels, and error messages.
	Name() string

	// Complete sends a request and returns the complete response. This is
	// the non-streaming path.
	//
	// The context.Context parameter carries cancellation signals and
	// deadlines. If the caller disconnects or the deadline passes, ctx
	// gets cancelled, and the adapter should stop waiting on the upstream.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamComplete sends a request and returns a channel that delivers
	// response chunks as they arrive from the upstream. The channel is
	// receive-only (<-chan) from the caller's point of view — the adapter
	// creates it, writes to it, and closes it when the stream ends.
	//
	// The stream yields chunk events while tokens are arriving and
	// exactly one final event (Done=true) carrying usage, as the last
	// event on the channel.
	StreamComplete(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// ChatRequest is the internal representation of a chat completion request.
// The orchestrator builds this from persisted dialog state; adapters
// translate it into their backend-specific wire format.
type ChatRequest struct {
	Model    string      // resolved model name
	Messages []Message   // ordered conversation, may start with a system entry
	Stream   bool        // true selects the StreamComplete path
	Config   AgentConfig // validated generation parameters
}

// Message is a single (role, content) pair in the conversation. This
// matches the OpenAI wire shape; Anthropic and GigaChat adapters translate
// from it (Anthropic pulls the system role out into a separate field).
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// AgentConfig is the subset of generation parameters an adapter may honor.
// It mirrors internal/model.AgentConfig; kept as its own type here so this
// package has no dependency on the persistence layer's model package,
// matching the teacher's habit of keeping each package's wire types local.
type AgentConfig struct {
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	StopSequences    []string
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is the internal representation of a complete (non-streaming)
// chat completion response.
type ChatResponse struct {
	Content string
	Usage   Usage
}

// Usage holds token count information, normalized across providers.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns PromptTokens + CompletionTokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// IsZero reports whether the provider reported no usage at all — the
// signal the orchestrator uses to fall back to a character-based estimate
// (§4.1, §4.5).
func (u Usage) IsZero() bool { return u.PromptTokens == 0 && u.CompletionTokens == 0 }

// StreamChunk is one event on the channel an adapter returns from
// StreamComplete: either a text fragment (Done=false) or the terminal
// usage record (Done=true). Error is set instead of Done carrying a real
// value when the stream failed mid-flight; the last value ever sent on
// the channel before it closes is either a Done=true chunk or an
// Error-bearing chunk, never both omitted.
type StreamChunk struct {
	Delta string
	Done  bool
	Usage Usage
	Error error
}
