// Package events is a tiny synchronous in-process pub/sub used by the
// ledger and orchestrator to announce domain events (message_sent,
// llm_response_received, tokens_deducted, balance_exhausted, admin
// actions) without depending on a message broker.
package events

import (
	"context"
	"time"

	"github.com/llm-gateway/gateway/internal/logging"
)

// Type is the closed set of event names the gateway emits.
type Type string

const (
	TypeMessageSent          Type = "message_sent"
	TypeLLMResponseReceived  Type = "llm_response_received"
	TypeTokensDeducted       Type = "tokens_deducted"
	TypeBalanceExhausted     Type = "balance_exhausted"
	TypeAdminAction          Type = "admin_action"
)

// Event is a single domain occurrence. Fields not relevant to a given
// Type are left zero.
type Event struct {
	Type       Type
	UserID     int64
	DialogID   string
	MessageID  string
	Amount     int64
	NewBalance int64
	Reason     string
	AdminID    int64
	Action     string
	Timestamp  time.Time
}

// Handler reacts to an Event. Handlers must not block for long — they run
// synchronously on the caller's goroutine.
type Handler func(ctx context.Context, e Event)

// Bus is a plain slice of registered handlers, fanned out to
// synchronously and in registration order. There is no buffering, retry,
// or persistence — if the process crashes before a handler runs, the
// event is lost, which is acceptable for logging/metrics-style consumers.
type Bus struct {
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Register appends h to the handler list.
func (b *Bus) Register(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Emit calls every registered handler with e. A panicking handler is
// recovered and logged so one misbehaving subscriber can't take down the
// request that triggered the event.
func (b *Bus) Emit(ctx context.Context, e Event) {
	for _, h := range b.handlers {
		b.callSafely(ctx, h, e)
	}
}

func (b *Bus) callSafely(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.From(ctx).Error().
				Interface("panic", r).
				Str("event_type", string(e.Type)).
				Msg("event handler panicked")
		}
	}()
	h(ctx, e)
}
