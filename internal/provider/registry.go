package provider

import (
	"fmt"
	"sync"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/model"
)

// Registry holds the enabled model catalog in memory, loaded once at
// process start from the persistent model table. It is never reloaded
// while the process runs; picking up a catalog change requires a
// restart.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]model.Model
	adapters map[string]Provider
}

// NewRegistry builds a Registry from the given enabled models and the
// provider adapters keyed by provider name (e.g. "openai", "anthropic",
// "gigachat"). A model whose Provider field has no matching adapter is
// kept in the catalog (so /models still lists it) but will fail
// ValidateOrFail's adapter lookup at dispatch time.
func NewRegistry(models []model.Model, adapters map[string]Provider) *Registry {
	byName := make(map[string]model.Model, len(models))
	for _, m := range models {
		byName[m.Name] = m
	}
	return &Registry{models: byName, adapters: adapters}
}

// Get returns the model by name, or nil if it doesn't exist or isn't
// enabled.
func (r *Registry) Get(name string) *model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil
	}
	return &m
}

// All returns every enabled model in the catalog.
func (r *Registry) All() []model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

// Exists reports whether name is a known, enabled model.
func (r *Registry) Exists(name string) bool {
	return r.Get(name) != nil
}

// ValidateOrFail resolves name to its model and adapter. An unknown name
// yields a Validation error suitable for returning straight to an HTTP
// handler; a known model with no registered adapter yields an Internal
// error.
func (r *Registry) ValidateOrFail(name string) (*model.Model, Provider, error) {
	m := r.Get(name)
	if m == nil {
		return nil, nil, apperr.Validation(fmt.Sprintf("unknown model %q", name))
	}
	r.mu.RLock()
	adapter, ok := r.adapters[m.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, apperr.Internal("provider not configured", fmt.Errorf("no adapter registered for provider %q", m.Provider))
	}
	return m, adapter, nil
}

// CostEstimate is the result of EstimateCost: prompt and completion cost
// are priced independently since a model's two rates may differ, and
// Total is their sum.
type CostEstimate struct {
	PromptCost     float64
	CompletionCost float64
	Total          float64
}

// EstimateCost prices prompt_tokens and completion_tokens against name's
// per-1K rates. Returns a zero CostEstimate if name is unknown — callers
// that need to distinguish "unknown model" from "free model" should check
// Exists first.
func (r *Registry) EstimateCost(name string, promptTokens, completionTokens int) CostEstimate {
	m := r.Get(name)
	if m == nil {
		return CostEstimate{}
	}
	promptCost := float64(promptTokens) / 1000 * m.PromptPricePer1K
	completionCost := float64(completionTokens) / 1000 * m.CompletionPricePer1K
	return CostEstimate{
		PromptCost:     promptCost,
		CompletionCost: completionCost,
		Total:          promptCost + completionCost,
	}
}

// EstimateTokens gives a tokenizer-free character-based estimate used for
// admission checks, never for billing: max(1, floor(len(text)/4)).
func EstimateTokens(text string) int {
	est := len(text) / 4
	if est < 1 {
		return 1
	}
	return est
}
