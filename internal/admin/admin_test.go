package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/dialogstore"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/ledger"
	"github.com/llm-gateway/gateway/internal/ledgerstore"
	"github.com/llm-gateway/gateway/internal/model"
)

func newTestAdmin(t *testing.T) (*Admin, dialogstore.Store, *ledger.Ledger) {
	t.Helper()
	dialogs := dialogstore.NewFakeStore()
	l := ledger.New(ledgerstore.NewFakeStore(), events.NewBus())
	a := New(dialogs, l, events.NewBus())
	return a, dialogs, l
}

func TestListUsers_RejectsNonAdmin(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	_, err := a.ListUsers(context.Background(), false, 0, 10)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeForbidden, appErr.Code)
}

func TestListUsers_AggregatesDialogCountAndUsage(t *testing.T) {
	a, dialogs, l := newTestAdmin(t)
	ctx := context.Background()

	_, _, err := l.Credit(ctx, 1, 1000, 99, model.ReasonAdminTopUp)
	require.NoError(t, err)
	_, _, err = l.Debit(ctx, 1, 200, "d1", "m1")
	require.NoError(t, err)
	require.NoError(t, dialogs.CreateDialog(ctx, &model.Dialog{ID: "d1", UserID: 1}))
	require.NoError(t, dialogs.CreateDialog(ctx, &model.Dialog{ID: "d2", UserID: 1}))

	users, err := a.ListUsers(ctx, true, 0, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(1), users[0].UserID)
	assert.Equal(t, 2, users[0].DialogCount)
	assert.Equal(t, int64(200), users[0].TotalTokensUsed)
	assert.Equal(t, int64(800), users[0].Balance)
}

func TestGetUserDetails_IncludesLastActivity(t *testing.T) {
	a, dialogs, l := newTestAdmin(t)
	ctx := context.Background()

	_, _, err := l.Credit(ctx, 1, 500, 99, model.ReasonAdminTopUp)
	require.NoError(t, err)
	require.NoError(t, dialogs.CreateDialog(ctx, &model.Dialog{ID: "d1", UserID: 1}))

	details, err := a.GetUserDetails(ctx, 1, true)
	require.NoError(t, err)
	require.NotNil(t, details.LastActivity)
}

func TestSetLimit_UpdatesBalanceLimit(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	ctx := context.Background()
	limit := int64(5000)

	balance, err := a.SetLimit(ctx, 1, &limit, 99, true)
	require.NoError(t, err)
	require.NotNil(t, balance.Limit)
	assert.Equal(t, int64(5000), *balance.Limit)
}

func TestAdjustBalance_TopUpAndDeduct(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	ctx := context.Background()

	balance, txn, err := a.AdjustBalance(ctx, 1, 1000, 99, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Balance)
	assert.Equal(t, model.ReasonAdminTopUp, txn.Reason)

	balance, txn, err = a.AdjustBalance(ctx, 1, -300, 99, true)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance.Balance)
	assert.Equal(t, model.ReasonAdminDeduct, txn.Reason)
}

func TestHistory_RejectsNonAdmin(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	_, err := a.History(context.Background(), 1, false, 0, 10)
	require.Error(t, err)
}
