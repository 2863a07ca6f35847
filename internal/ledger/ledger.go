// Package ledger implements the token-accounting economy (§4.3):
// balance checks, atomic debits for LLM usage, and administrative
// credits, each emitting a domain event for auditing/observability.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/ledgerstore"
	"github.com/llm-gateway/gateway/internal/model"
)

// Ledger is the business-logic layer over ledgerstore.Store: every
// method here is what internal/orchestrator and internal/admin actually
// call, never the store directly.
type Ledger struct {
	store ledgerstore.Store
	bus   *events.Bus
}

func New(store ledgerstore.Store, bus *events.Bus) *Ledger {
	return &Ledger{store: store, bus: bus}
}

// CheckBalance reads (creating if absent) userID's balance and reports
// whether it covers estimated. Emits balance_exhausted on false.
func (l *Ledger) CheckBalance(ctx context.Context, userID int64, estimated int64) (bool, error) {
	balance, err := l.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return false, apperr.Internal("check balance", err)
	}

	sufficient := balance.Balance >= estimated
	if !sufficient {
		l.bus.Emit(ctx, events.Event{
			Type:       events.TypeBalanceExhausted,
			UserID:     userID,
			Amount:     estimated,
			NewBalance: balance.Balance,
			Reason:     "check_failed",
			Timestamp:  time.Now(),
		})
	}
	return sufficient, nil
}

// Debit atomically subtracts amount from userID's balance for LLM usage
// tied to dialogID/messageID, appends a negative-amount transaction, and
// returns the new balance and the inserted transaction row.
//
// Refuses with InsufficientTokens if the balance can't cover amount. A
// racing retry for the same message is rejected by the store's
// uniqueness constraint rather than double-charging — that failure
// propagates as an internal error since the orchestrator should never
// retry a completed debit.
func (l *Ledger) Debit(ctx context.Context, userID int64, amount int64, dialogID, messageID string) (*model.TokenBalance, *model.TokenTransaction, error) {
	if amount <= 0 {
		return nil, nil, apperr.Validation("debit amount must be positive")
	}

	balance, txn, err := l.store.DebitLocked(ctx, userID, amount, dialogID, messageID)
	if err != nil {
		if errors.Is(err, ledgerstore.ErrInsufficientBalance) {
			current, _ := l.store.GetOrCreateBalance(ctx, userID)
			newBalance := int64(0)
			if current != nil {
				newBalance = current.Balance
			}
			l.bus.Emit(ctx, events.Event{
				Type:       events.TypeBalanceExhausted,
				UserID:     userID,
				DialogID:   dialogID,
				MessageID:  messageID,
				Amount:     amount,
				NewBalance: newBalance,
				Reason:     string(model.ReasonLLMUsage),
				Timestamp:  time.Now(),
			})
			return nil, nil, apperr.InsufficientTokens(fmt.Sprintf("insufficient tokens: required %d", amount))
		}
		return nil, nil, apperr.Internal("debit tokens", err)
	}

	l.bus.Emit(ctx, events.Event{
		Type:       events.TypeTokensDeducted,
		UserID:     userID,
		DialogID:   dialogID,
		MessageID:  messageID,
		Amount:     amount,
		NewBalance: balance.Balance,
		Reason:     string(model.ReasonLLMUsage),
		Timestamp:  time.Now(),
	})

	// Possible only via a racing administrative deduct landing between
	// our balance check and commit.
	if balance.Balance < 0 {
		l.bus.Emit(ctx, events.Event{
			Type:       events.TypeBalanceExhausted,
			UserID:     userID,
			DialogID:   dialogID,
			MessageID:  messageID,
			Amount:     amount,
			NewBalance: balance.Balance,
			Reason:     string(model.ReasonLLMUsage),
			Timestamp:  time.Now(),
		})
	}

	return balance, txn, nil
}

// Credit adjusts userID's balance by amount, which may be negative
// (modeling an administrative deduction). reason must be either
// ReasonAdminTopUp (amount >= 0) or ReasonAdminDeduct (amount < 0); the
// caller (internal/admin) is responsible for choosing it consistently
// with amount's sign.
func (l *Ledger) Credit(ctx context.Context, userID int64, amount int64, adminUserID int64, reason model.TransactionReason) (*model.TokenBalance, *model.TokenTransaction, error) {
	balance, txn, err := l.store.CreditLocked(ctx, userID, amount, adminUserID, reason)
	if err != nil {
		return nil, nil, apperr.Internal("credit tokens", err)
	}

	if balance.Balance < 0 {
		l.bus.Emit(ctx, events.Event{
			Type:       events.TypeBalanceExhausted,
			UserID:     userID,
			Amount:     abs(amount),
			NewBalance: balance.Balance,
			Reason:     string(reason),
			AdminID:    adminUserID,
			Timestamp:  time.Now(),
		})
	}
	return balance, txn, nil
}

// SetLimit writes a new spending limit for userID (nil means
// unlimited) and emits an admin-action event.
func (l *Ledger) SetLimit(ctx context.Context, userID int64, limit *int64, adminUserID int64) error {
	if err := l.store.SetLimit(ctx, userID, limit); err != nil {
		return apperr.Internal("set limit", err)
	}
	l.bus.Emit(ctx, events.Event{
		Type:      events.TypeAdminAction,
		UserID:    userID,
		AdminID:   adminUserID,
		Action:    "set_limit",
		Timestamp: time.Now(),
	})
	return nil
}

// TotalUsed sums the absolute value of every negative-amount transaction
// for userID.
func (l *Ledger) TotalUsed(ctx context.Context, userID int64) (int64, error) {
	total, err := l.store.TotalUsed(ctx, userID)
	if err != nil {
		return 0, apperr.Internal("total used", err)
	}
	return total, nil
}

// History returns userID's transactions ordered by created_at
// descending.
func (l *Ledger) History(ctx context.Context, userID int64, skip, limit int) ([]model.TokenTransaction, error) {
	txns, err := l.store.History(ctx, userID, skip, limit)
	if err != nil {
		return nil, apperr.Internal("transaction history", err)
	}
	return txns, nil
}

// Balance returns userID's current balance row, creating it if absent.
func (l *Ledger) Balance(ctx context.Context, userID int64) (*model.TokenBalance, error) {
	balance, err := l.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("get balance", err)
	}
	return balance, nil
}

// AllBalances returns every known balance row, for the admin user list.
func (l *Ledger) AllBalances(ctx context.Context) ([]model.TokenBalance, error) {
	balances, err := l.store.ListBalances(ctx)
	if err != nil {
		return nil, apperr.Internal("list balances", err)
	}
	return balances, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
