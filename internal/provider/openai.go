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

// OpenAIProvider implements Provider for OpenAI's Chat Completions API and
// any OpenAI-compatible backend reachable by overriding baseURL (LM Studio,
// Ollama, vLLM, and similar). The wire format is flat role/content
// messages, the structurally simplest of the three adapters.
type OpenAIProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.openai.com/v1"
	client  *http.Client
}

func NewOpenAIProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (o *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model         string              `json:"model"`
	Messages      []openAIMessage     `json:"messages"`
	Stream        bool                `json:"stream,omitempty"`
	StreamOptions *openAIStreamOpts   `json:"stream_options,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	MaxTokens     *int                `json:"max_tokens,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	Stop          []string            `json:"stop,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// openAIStreamChunk mirrors a single SSE "data:" payload. Usage is only
// populated on the final chunk, and only when stream_options.include_usage
// was set on the request.
type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
}

type openAIStreamChoice struct {
	Delta openAIDelta `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

func toOpenAIRequest(req *ChatRequest) *openAIRequest {
	or := &openAIRequest{Model: req.Model}
	for _, msg := range req.Messages {
		or.Messages = append(or.Messages, openAIMessage{Role: msg.Role, Content: msg.Content})
	}
	or.Temperature = req.Config.Temperature
	or.MaxTokens = req.Config.MaxTokens
	or.TopP = req.Config.TopP
	or.PresencePenalty = req.Config.PresencePenalty
	or.FrequencyPenalty = req.Config.FrequencyPenalty
	or.Stop = req.Config.StopSequences
	return or
}

// Complete sends a non-streaming request to /chat/completions.
func (o *OpenAIProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	openaiReq := toOpenAIRequest(req)

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, NewError(o.Name(), KindProtocol, fmt.Errorf("marshaling request: %w", err))
	}

	url := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(o.Name(), KindTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(o.Name(), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatusErr(o.Name(), httpResp)
	}

	var openaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&openaiResp); err != nil {
		return nil, NewError(o.Name(), KindProtocol, fmt.Errorf("decoding response: %w", err))
	}
	if len(openaiResp.Choices) == 0 {
		return nil, NewError(o.Name(), KindProtocol, fmt.Errorf("empty choices in response"))
	}

	return &ChatResponse{
		Content: openaiResp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     openaiResp.Usage.PromptTokens,
			CompletionTokens: openaiResp.Usage.CompletionTokens,
		},
	}, nil
}

// StreamComplete sends a streaming request and returns a channel of
// StreamChunks. stream_options.include_usage is always set so the final
// SSE event carries real token counts instead of forcing a fallback
// estimate.
func (o *OpenAIProvider) StreamComplete(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	openaiReq := toOpenAIRequest(req)
	openaiReq.Stream = true
	openaiReq.StreamOptions = &openAIStreamOpts{IncludeUsage: true}

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, NewError(o.Name(), KindProtocol, fmt.Errorf("marshaling request: %w", err))
	}

	url := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(o.Name(), KindTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(o.Name(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, classifyStatusErr(o.Name(), httpResp)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var usage Usage

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")
			if jsonData == "[DONE]" {
				sendOrCancel(ctx, ch, StreamChunk{Done: true, Usage: usage})
				return
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
				sendOrCancel(ctx, ch, StreamChunk{Done: true, Error: NewError(o.Name(), KindProtocol, err)})
				return
			}

			if chunk.Usage != nil {
				usage = Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !sendOrCancel(ctx, ch, StreamChunk{Delta: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			sendOrCancel(ctx, ch, StreamChunk{Done: true, Error: NewError(o.Name(), KindTransport, err)})
			return
		}
		sendOrCancel(ctx, ch, StreamChunk{Done: true, Usage: usage})
	}()

	return ch, nil
}
