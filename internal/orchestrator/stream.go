package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/logging"
	"github.com/llm-gateway/gateway/internal/model"
	"github.com/llm-gateway/gateway/internal/provider"
)

// StreamEvent is one value on the channel SendStream returns: either a
// text fragment (Done=false), the terminal event carrying the persisted
// assistant message id and usage (Done=true), or an Err-bearing event
// when the pipeline failed (always terminal).
type StreamEvent struct {
	Delta            string
	Done             bool
	MessageID        string
	PromptTokens     int
	CompletionTokens int
	Err              error
}

// SendStream implements the streaming variant of §4.5: steps 1-6 run the
// same as Send, the provider's chunks are forwarded to the caller as
// they arrive (accumulated in memory for persistence), and steps 7-11
// run once the provider stream terminates. A context cancellation
// (client disconnect) propagates to the adapter and triggers the same
// rollback as a provider failure.
func (o *Orchestrator) SendStream(ctx context.Context, dialogID string, userID int64, isAdmin bool, content string, configOverride *model.AgentConfig) (<-chan StreamEvent, error) {
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
		return nil, apperr.InsufficientTokens("insufficient tokens for estimated cost")
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

	req := &provider.ChatRequest{Model: dialog.Model, Messages: messages, Stream: true, Config: toAdapterConfig(cfg)}
	upstream, err := adapter.StreamComplete(ctx, req)
	if err != nil {
		o.rollbackUserTurn(ctx, userMessage.ID)
		return nil, normalizeProviderErr(err)
	}

	out := make(chan StreamEvent)
	go o.runStream(ctx, runStreamArgs{
		start:        start,
		userID:       userID,
		dialog:       dialog,
		userMessage:  userMessage,
		catalogModel: catalogModel.Name,
		messages:     messages,
		upstream:     upstream,
		out:          out,
	})
	return out, nil
}

type runStreamArgs struct {
	start        time.Time
	userID       int64
	dialog       *model.Dialog
	userMessage  model.Message
	catalogModel string
	messages     []provider.Message
	upstream     <-chan provider.StreamChunk
	out          chan<- StreamEvent
}

// runStream consumes the adapter's channel, forwards text as it arrives,
// and on terminal completion persists the assistant turn and debits the
// ledger (steps 7-11). It owns closing out.
func (o *Orchestrator) runStream(ctx context.Context, a runStreamArgs) {
	defer close(a.out)

	var text strings.Builder
	var usage provider.Usage
	var streamErr error

	for chunk := range a.upstream {
		if chunk.Error != nil {
			streamErr = chunk.Error
			break
		}
		if chunk.Done {
			usage = chunk.Usage
			break
		}
		text.WriteString(chunk.Delta)
		select {
		case a.out <- StreamEvent{Delta: chunk.Delta}:
		case <-ctx.Done():
			o.rollbackUserTurn(context.WithoutCancel(ctx), a.userMessage.ID)
			return
		}
	}

	if ctx.Err() != nil {
		o.rollbackUserTurn(context.WithoutCancel(ctx), a.userMessage.ID)
		return
	}

	if streamErr != nil {
		o.rollbackUserTurn(ctx, a.userMessage.ID)
		a.out <- StreamEvent{Done: true, Err: normalizeProviderErr(streamErr)}
		return
	}

	if usage.IsZero() {
		usage = fallbackUsage(a.messages, text.String())
	}

	assistantMessage := model.Message{
		ID:               uuid.NewString(),
		DialogID:         a.dialog.ID,
		Role:             model.RoleAssistant,
		Content:          text.String(),
		PromptTokens:     intPtr(usage.PromptTokens),
		CompletionTokens: intPtr(usage.CompletionTokens),
		CreatedAt:        time.Now(),
	}
	if err := o.dialogs.AppendMessage(ctx, &assistantMessage); err != nil {
		o.rollbackUserTurn(ctx, a.userMessage.ID)
		a.out <- StreamEvent{Done: true, Err: apperr.Internal("append assistant message", err)}
		return
	}

	total := int64(usage.Total())
	if total > 0 {
		if _, _, err := o.ledger.Debit(ctx, a.userID, total, a.dialog.ID, assistantMessage.ID); err != nil {
			o.rollbackUserTurn(ctx, a.userMessage.ID)
			_ = o.dialogs.DeleteMessage(ctx, assistantMessage.ID)
			a.out <- StreamEvent{Done: true, Err: err}
			return
		}
	}

	o.bus.Emit(ctx, events.Event{
		Type:      events.TypeLLMResponseReceived,
		UserID:    a.userID,
		DialogID:  a.dialog.ID,
		MessageID: assistantMessage.ID,
		Amount:    int64(time.Since(a.start).Milliseconds()),
		Reason:    a.catalogModel,
		Timestamp: time.Now(),
	})

	logging.From(ctx).Info().
		Str("dialog_id", a.dialog.ID).
		Int64("user_id", a.userID).
		Int("tokens", usage.Total()).
		Dur("latency", time.Since(a.start)).
		Msg("message streamed")

	a.out <- StreamEvent{
		Done:             true,
		MessageID:        assistantMessage.ID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
}
