package model

import "fmt"

// AgentConfig is a bag of optional generation parameters attached to a
// dialog. Every field is a pointer so we can tell "caller didn't set this"
// (nil) apart from "caller explicitly set this to the zero value" — the
// same reason the teacher's stream types use *Usage instead of Usage.
type AgentConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
}

// Validate checks every recognized key against its documented bounds.
// contextWindow is the resolved model's context window, since max_tokens'
// upper bound is conditional on it — that's why this can't be a plain
// struct-tag validation on the DTO, unlike the rest of the HTTP request
// bodies (see internal/httpapi).
func (c AgentConfig) Validate(contextWindow int) error {
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 1) {
		return fmt.Errorf("temperature must be in [0,1], got %v", *c.Temperature)
	}
	if c.MaxTokens != nil {
		if *c.MaxTokens <= 0 {
			return fmt.Errorf("max_tokens must be > 0, got %d", *c.MaxTokens)
		}
		if contextWindow > 0 && *c.MaxTokens > contextWindow {
			return fmt.Errorf("max_tokens %d exceeds model context window %d", *c.MaxTokens, contextWindow)
		}
	}
	if c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1) {
		return fmt.Errorf("top_p must be in [0,1], got %v", *c.TopP)
	}
	if c.PresencePenalty != nil && (*c.PresencePenalty < -2 || *c.PresencePenalty > 2) {
		return fmt.Errorf("presence_penalty must be in [-2,2], got %v", *c.PresencePenalty)
	}
	if c.FrequencyPenalty != nil && (*c.FrequencyPenalty < -2 || *c.FrequencyPenalty > 2) {
		return fmt.Errorf("frequency_penalty must be in [-2,2], got %v", *c.FrequencyPenalty)
	}
	return nil
}
