// Package orchestrator drives the per-turn message pipeline (§4.5):
// persist the user turn, call the resolved provider, persist the
// assistant turn, debit the ledger, and emit the domain events that tie
// the whole thing together — with a rollback path when the provider
// call fails partway through.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/dialogstore"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/ledger"
	"github.com/llm-gateway/gateway/internal/logging"
	"github.com/llm-gateway/gateway/internal/model"
	"github.com/llm-gateway/gateway/internal/provider"
)

// estimateOverhead is the flat per-turn token padding added to the
// character-based prompt estimate used for the admission check — the
// same constant message_service.py's send_message uses.
const estimateOverhead = 100

// gigachatAdapterTimeout is the fixed non-streaming deadline for the
// gigachat provider (§"Cancellation"): its OAuth exchange plus the
// upstream call itself routinely outruns the other adapters' default,
// so it gets its own, non-configurable budget rather than a multiple of
// adapterTimeout.
const gigachatAdapterTimeout = 120 * time.Second

// Orchestrator wires together the dialog store, the provider registry,
// and the ledger to implement Send/SendStream.
type Orchestrator struct {
	dialogs  dialogstore.Store
	registry *provider.Registry
	ledger   *ledger.Ledger
	bus      *events.Bus

	// adapterTimeout bounds a non-streaming Complete call for every
	// provider except gigachat, which uses gigachatAdapterTimeout
	// instead. Sourced from config.Config.LLMTimeoutSeconds.
	adapterTimeout time.Duration
}

func New(dialogs dialogstore.Store, registry *provider.Registry, l *ledger.Ledger, bus *events.Bus, adapterTimeout time.Duration) *Orchestrator {
	return &Orchestrator{dialogs: dialogs, registry: registry, ledger: l, bus: bus, adapterTimeout: adapterTimeout}
}

// completeTimeout picks the non-streaming deadline for providerName:
// gigachat's fixed 120s, or the configured default for everything else.
func (o *Orchestrator) completeTimeout(providerName string) time.Duration {
	if providerName == "gigachat" {
		return gigachatAdapterTimeout
	}
	return o.adapterTimeout
}

// Result is what Send returns on success: the persisted assistant
// message plus the usage actually billed.
type Result struct {
	Message model.Message
	Usage   provider.Usage
}

// resolveDialog implements step 1: fetch by id, enforce ownership.
func (o *Orchestrator) resolveDialog(ctx context.Context, dialogID string, userID int64, isAdmin bool) (*model.Dialog, error) {
	dialog, err := o.dialogs.GetDialog(ctx, dialogID)
	if err != nil {
		return nil, apperr.Internal("get dialog", err)
	}
	if dialog == nil {
		return nil, apperr.NotFound(fmt.Sprintf("dialog %s not found", dialogID))
	}
	if !dialog.OwnedBy(userID, isAdmin) {
		return nil, apperr.Forbidden(fmt.Sprintf("access denied to dialog %s", dialogID))
	}
	return dialog, nil
}

// buildContext implements step 5: the full message history in
// created-at order, with the dialog's system prompt (if any) prepended
// as a synthetic entry.
func (o *Orchestrator) buildContext(ctx context.Context, dialog *model.Dialog) ([]provider.Message, error) {
	history, err := o.dialogs.ListMessages(ctx, dialog.ID, 0, 0)
	if err != nil {
		return nil, apperr.Internal("list messages", err)
	}

	messages := make([]provider.Message, 0, len(history)+1)
	if dialog.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: string(model.RoleSystem), Content: dialog.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	return messages, nil
}

func toAdapterConfig(c model.AgentConfig) provider.AgentConfig {
	return provider.AgentConfig{
		Temperature:      c.Temperature,
		MaxTokens:        c.MaxTokens,
		TopP:             c.TopP,
		PresencePenalty:  c.PresencePenalty,
		FrequencyPenalty: c.FrequencyPenalty,
		StopSequences:    c.StopSequences,
	}
}

// estimateAdmission mirrors message_service.py's rough pre-call forecast:
// len(content)/4 + 100.
func estimateAdmission(content string) int64 {
	return int64(len(content)/4) + estimateOverhead
}

// fallbackUsage implements step 7: when the provider reports (0, 0),
// estimate from character counts instead, never billing zero for a
// completed turn.
func fallbackUsage(messages []provider.Message, responseContent string) provider.Usage {
	var promptChars int
	for _, m := range messages {
		promptChars += len(m.Content)
	}
	return provider.Usage{
		PromptTokens:     max(1, promptChars/4),
		CompletionTokens: max(1, len(responseContent)/4),
	}
}

// rollbackUserTurn deletes the just-persisted user message — the
// compensating action standing in for a cross-store transaction abort,
// since dialogstore and ledgerstore are independent stores rather than
// one shared database handle.
func (o *Orchestrator) rollbackUserTurn(ctx context.Context, userMessageID string) {
	if err := o.dialogs.DeleteMessage(ctx, userMessageID); err != nil {
		logging.From(ctx).Error().Err(err).Str("message_id", userMessageID).
			Msg("failed to roll back user turn after provider failure")
	}
}

// Send implements the non-streaming path (§4.5 steps 1-11).
func (o *Orchestrator) Send(ctx context.Context, dialogID string, userID int64, isAdmin bool, content string, configOverride *model.AgentConfig) (*Result, error) {
	start := time.Now()

	dialog, err := o.resolveDialog(ctx, dialogID, userID, isAdmin)
	if err != nil {
		return nil, err
	}

	sufficient, err := o.ledger.CheckBalance(ctx, userID, estimateAdmission(content))
	if err != nil {
		return nil, err
	}
	if !sufficient {
		return nil, apperr.InsufficientTokens(fmt.Sprintf("insufficient tokens: estimated cost %d", estimateAdmission(content)))
	}

	now := time.Now()
	userMessage := model.Message{
		ID:        uuid.NewString(),
		DialogID:  dialog.ID,
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	if err := o.dialogs.AppendMessage(ctx, &userMessage); err != nil {
		return nil, apperr.Internal("append user message", err)
	}

	o.bus.Emit(ctx, events.Event{
		Type:      events.TypeMessageSent,
		UserID:    userID,
		DialogID:  dialog.ID,
		MessageID: userMessage.ID,
		Amount:    int64(len(content)),
		Timestamp: now,
	})

	messages, err := o.buildContext(ctx, dialog)
	if err != nil {
		o.rollbackUserTurn(ctx, userMessage.ID)
		return nil, err
	}

	catalogModel, adapter, err := o.registry.ValidateOrFail(dialog.Model)
	if err != nil {
		o.rollbackUserTurn(ctx, userMessage.ID)
		return nil, err
	}

	cfg := dialog.Config
	if configOverride != nil {
		cfg = *configOverride
	}

	req := &provider.ChatRequest{Model: dialog.Model, Messages: messages, Config: toAdapterConfig(cfg)}

	callCtx, cancel := context.WithTimeout(ctx, o.completeTimeout(catalogModel.Provider))
	defer cancel()
	resp, err := adapter.Complete(callCtx, req)
	if err != nil {
		o.rollbackUserTurn(ctx, userMessage.ID)
		return nil, normalizeProviderErr(err)
	}

	usage := resp.Usage
	if usage.IsZero() {
		usage = fallbackUsage(messages, resp.Content)
	}

	assistantMessage := model.Message{
		ID:               uuid.NewString(),
		DialogID:         dialog.ID,
		Role:             model.RoleAssistant,
		Content:          resp.Content,
		PromptTokens:     intPtr(usage.PromptTokens),
		CompletionTokens: intPtr(usage.CompletionTokens),
		CreatedAt:        time.Now(),
	}
	if err := o.dialogs.AppendMessage(ctx, &assistantMessage); err != nil {
		o.rollbackUserTurn(ctx, userMessage.ID)
		return nil, apperr.Internal("append assistant message", err)
	}

	total := int64(usage.Total())
	if total > 0 {
		if _, _, err := o.ledger.Debit(ctx, userID, total, dialog.ID, assistantMessage.ID); err != nil {
			o.rollbackUserTurn(ctx, userMessage.ID)
			_ = o.dialogs.DeleteMessage(ctx, assistantMessage.ID)
			return nil, err
		}
	}

	o.bus.Emit(ctx, events.Event{
		Type:      events.TypeLLMResponseReceived,
		UserID:    userID,
		DialogID:  dialog.ID,
		MessageID: assistantMessage.ID,
		Amount:    int64(time.Since(start).Milliseconds()),
		Reason:    catalogModel.Name,
		Timestamp: time.Now(),
	})

	logging.From(ctx).Info().
		Str("dialog_id", dialog.ID).
		Int64("user_id", userID).
		Int("tokens", usage.Total()).
		Dur("latency", time.Since(start)).
		Msg("message sent")

	return &Result{Message: assistantMessage, Usage: usage}, nil
}

func intPtr(v int) *int { return &v }

// normalizeProviderErr maps an adapter's *provider.Error onto the
// taxonomy: Timeout becomes LLMTimeout (→504), everything else becomes
// LLMError (→500). Unauthorized is deliberately folded into LLMError too
// — a bad upstream credential is an operator misconfiguration, never
// something the API caller caused or can act on.
func normalizeProviderErr(err error) error {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return apperr.LLMError("provider error", err)
	}
	if perr.Kind == provider.KindTimeout {
		return apperr.LLMTimeout(perr.Error())
	}
	return apperr.LLMError(perr.Error(), perr)
}
