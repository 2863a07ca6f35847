package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AnthropicProvider implements Provider for Anthropic's Messages API:
// translate our unified ChatRequest into Anthropic's format, make the
// HTTP call, translate the response back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

// --- Anthropic API types (unexported) ---

// anthropicRequest is the top-level request body for Anthropic's
// /v1/messages endpoint.
//
//   - "system" is a top-level string, not nested inside messages
//   - "max_tokens" is REQUIRED — Anthropic rejects requests without it
//   - "model" lives in the request body, not the URL path
type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic's streaming format sends NAMED events, each with a different
// JSON payload shape:
//
//	event: message_start       → input_tokens
//	event: content_block_delta → a text fragment
//	event: message_delta       → stop_reason, output_tokens
//	event: message_stop        → stream is done
//
// anthropicStreamEvent is a lightweight wrapper carrying every possible
// field; only the ones relevant to event.Type are populated.
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
}

type anthropicEventMessage struct {
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

const anthropicAPIVersion = "2023-06-01"

// anthropicDefaultMaxTokens is used when the caller doesn't specify
// max_tokens. Anthropic requires this field, so a fallback is mandatory.
const anthropicDefaultMaxTokens = 4096

// toAnthropicRequest translates our unified ChatRequest into Anthropic's
// format: system messages get pulled into the top-level "system" string,
// remaining messages map directly, and AgentConfig fields translate to
// their Anthropic names.
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{Model: req.Model}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	if req.Config.MaxTokens != nil {
		ar.MaxTokens = *req.Config.MaxTokens
	} else {
		ar.MaxTokens = anthropicDefaultMaxTokens
	}
	ar.Temperature = req.Config.Temperature
	ar.TopP = req.Config.TopP
	ar.StopSequences = req.Config.StopSequences

	return ar
}

// Complete sends a non-streaming request to Anthropic's /v1/messages
// endpoint: translate → serialize → POST → decode → translate back.
func (a *AnthropicProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	anthropicReq := toAnthropicRequest(req)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, NewError(a.Name(), KindProtocol, fmt.Errorf("marshaling request: %w", err))
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(a.Name(), KindTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(a.Name(), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatusErr(a.Name(), httpResp)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, NewError(a.Name(), KindProtocol, fmt.Errorf("decoding response: %w", err))
	}

	var text string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return &ChatResponse{
		Content: text,
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
		},
	}, nil
}

// StreamComplete sends a streaming request to Anthropic's /v1/messages
// endpoint and returns a channel of StreamChunks. A goroutine reads SSE
// lines and accumulates metadata spread across multiple named events
// (message_start gives input tokens, message_delta gives output tokens,
// message_stop signals completion) before emitting the final chunk.
func (a *AnthropicProvider) StreamComplete(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	anthropicReq := toAnthropicRequest(req)
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, NewError(a.Name(), KindProtocol, fmt.Errorf("marshaling request: %w", err))
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(a.Name(), KindTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(a.Name(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, classifyStatusErr(a.Name(), httpResp)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var inputTokens, outputTokens int

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
				sendOrCancel(ctx, ch, StreamChunk{Done: true, Error: NewError(a.Name(), KindProtocol, err)})
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				if !sendOrCancel(ctx, ch, StreamChunk{Delta: event.Delta.Text}) {
					return
				}
			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				sendOrCancel(ctx, ch, StreamChunk{
					Done:  true,
					Usage: Usage{PromptTokens: inputTokens, CompletionTokens: outputTokens},
				})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sendOrCancel(ctx, ch, StreamChunk{Done: true, Error: NewError(a.Name(), KindTransport, err)})
			return
		}
		sendOrCancel(ctx, ch, StreamChunk{
			Done:  true,
			Usage: Usage{PromptTokens: inputTokens, CompletionTokens: outputTokens},
		})
	}()

	return ch, nil
}
