package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/dialogstore"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/ledger"
	"github.com/llm-gateway/gateway/internal/ledgerstore"
	"github.com/llm-gateway/gateway/internal/model"
	"github.com/llm-gateway/gateway/internal/provider"
)

// fakeProvider is a test double implementing provider.Provider; its
// behavior is controlled per test via the function fields.
type fakeProvider struct {
	completeFn func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
	streamFn   func(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return f.completeFn(ctx, req)
}

func (f *fakeProvider) StreamComplete(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	return f.streamFn(ctx, req)
}

func setup(t *testing.T, adapter provider.Provider) (*Orchestrator, dialogstore.Store, *ledger.Ledger) {
	t.Helper()
	return setupWithTimeout(t, adapter, 30*time.Second)
}

func setupWithTimeout(t *testing.T, adapter provider.Provider, adapterTimeout time.Duration) (*Orchestrator, dialogstore.Store, *ledger.Ledger) {
	t.Helper()
	dialogs := dialogstore.NewFakeStore()
	ledgerStore := ledgerstore.NewFakeStore()
	bus := events.NewBus()
	l := ledger.New(ledgerStore, bus)
	registry := provider.NewRegistry(
		[]model.Model{{Name: "gpt-test", Provider: "fake", ContextWindow: 8000, Enabled: true, PromptPricePer1K: 0.01, CompletionPricePer1K: 0.02}},
		map[string]provider.Provider{"fake": adapter},
	)
	o := New(dialogs, registry, l, bus, adapterTimeout)

	ctx := context.Background()
	_, _, err := l.Credit(ctx, 1, 10000, 99, model.ReasonAdminTopUp)
	require.NoError(t, err)

	dialog := &model.Dialog{ID: "dlg-1", UserID: 1, Model: "gpt-test", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, dialogs.CreateDialog(ctx, dialog))

	return o, dialogs, l
}

func TestSend_Succeeds(t *testing.T) {
	adapter := &fakeProvider{
		completeFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
			return &provider.ChatResponse{Content: "hello there", Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
		},
	}
	o, dialogs, l := setup(t, adapter)
	ctx := context.Background()

	res, err := o.Send(ctx, "dlg-1", 1, false, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Message.Content)
	assert.Equal(t, model.RoleAssistant, res.Message.Role)

	msgs, err := dialogs.ListMessages(ctx, "dlg-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	balance, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-15), balance.Balance)
}

func TestSend_UnknownDialog(t *testing.T) {
	adapter := &fakeProvider{}
	o, _, _ := setup(t, adapter)

	_, err := o.Send(context.Background(), "missing", 1, false, "hi", nil)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeNotFound, appErr.Code)
}

func TestSend_ForbiddenForOtherUser(t *testing.T) {
	adapter := &fakeProvider{}
	o, _, _ := setup(t, adapter)

	_, err := o.Send(context.Background(), "dlg-1", 2, false, "hi", nil)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeForbidden, appErr.Code)
}

func TestSend_RollsBackUserTurnOnProviderFailure(t *testing.T) {
	adapter := &fakeProvider{
		completeFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
			return nil, provider.NewError("fake", provider.KindUpstream5xx, assertErr)
		},
	}
	o, dialogs, l := setup(t, adapter)
	ctx := context.Background()

	_, err := o.Send(ctx, "dlg-1", 1, false, "hi", nil)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeLLMError, appErr.Code)

	msgs, err := dialogs.ListMessages(ctx, "dlg-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "user turn must be rolled back")

	balance, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance.Balance, "no debit should have occurred")
}

func TestSend_TimeoutMapsTo504Class(t *testing.T) {
	adapter := &fakeProvider{
		completeFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
			return nil, provider.NewError("fake", provider.KindTimeout, assertErr)
		},
	}
	o, _, _ := setup(t, adapter)

	_, err := o.Send(context.Background(), "dlg-1", 1, false, "hi", nil)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeLLMTimeout, appErr.Code)
}

// TestSend_RealDeadlineExceededSurfacesAsTimeout exercises an adapter
// that actually blocks past the orchestrator's own deadline, rather
// than one handed a pre-built Timeout error — Send must return once its
// internal context.WithTimeout fires, not hang waiting on the adapter.
func TestSend_RealDeadlineExceededSurfacesAsTimeout(t *testing.T) {
	adapter := &fakeProvider{
		completeFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
			<-ctx.Done()
			return nil, provider.NewError("fake", provider.KindTimeout, ctx.Err())
		},
	}
	o, _, _ := setupWithTimeout(t, adapter, 20*time.Millisecond)

	start := time.Now()
	_, err := o.Send(context.Background(), "dlg-1", 1, false, "hi", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeLLMTimeout, appErr.Code)
	assert.Less(t, elapsed, 2*time.Second, "Send must return once its own deadline fires, not hang on the adapter")
}

func TestSend_FallsBackToCharacterEstimateWhenUsageIsZero(t *testing.T) {
	adapter := &fakeProvider{
		completeFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
			return &provider.ChatResponse{Content: "1234567890", Usage: provider.Usage{}}, nil
		},
	}
	o, _, _ := setup(t, adapter)

	res, err := o.Send(context.Background(), "dlg-1", 1, false, "abcd", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, *res.Message.CompletionTokens)
}

func TestSendStream_ForwardsChunksAndPersistsFinalMessage(t *testing.T) {
	adapter := &fakeProvider{
		streamFn: func(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
			ch := make(chan provider.StreamChunk, 3)
			ch <- provider.StreamChunk{Delta: "hel"}
			ch <- provider.StreamChunk{Delta: "lo"}
			ch <- provider.StreamChunk{Done: true, Usage: provider.Usage{PromptTokens: 3, CompletionTokens: 2}}
			close(ch)
			return ch, nil
		},
	}
	o, dialogs, _ := setup(t, adapter)
	ctx := context.Background()

	stream, err := o.SendStream(ctx, "dlg-1", 1, false, "hi", nil)
	require.NoError(t, err)

	var deltas []string
	var final StreamEvent
	for ev := range stream {
		if ev.Done {
			final = ev
			break
		}
		deltas = append(deltas, ev.Delta)
	}

	assert.Equal(t, []string{"hel", "lo"}, deltas)
	require.NoError(t, final.Err)
	assert.NotEmpty(t, final.MessageID)
	assert.Equal(t, 2, final.CompletionTokens)

	msgs, err := dialogs.ListMessages(ctx, "dlg-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestSendStream_RollsBackOnStreamError(t *testing.T) {
	adapter := &fakeProvider{
		streamFn: func(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
			ch := make(chan provider.StreamChunk, 2)
			ch <- provider.StreamChunk{Delta: "partial"}
			ch <- provider.StreamChunk{Error: provider.NewError("fake", provider.KindTransport, assertErr)}
			close(ch)
			return ch, nil
		},
	}
	o, dialogs, l := setup(t, adapter)
	ctx := context.Background()

	stream, err := o.SendStream(ctx, "dlg-1", 1, false, "hi", nil)
	require.NoError(t, err)

	var final StreamEvent
	for ev := range stream {
		if ev.Done {
			final = ev
		}
	}
	require.Error(t, final.Err)

	msgs, err := dialogs.ListMessages(ctx, "dlg-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	balance, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance.Balance)
}

var assertErr = &testError{"upstream exploded"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
