// Package ledgerstore persists TokenBalance and TokenTransaction rows.
package ledgerstore

import (
	"context"

	"github.com/llm-gateway/gateway/internal/model"
)

// Store is the persistence contract internal/ledger builds its
// atomicity guarantees on top of. Every mutating method must run inside
// the same database transaction as its companion balance/transaction
// write — see PostgresStore for how that's enforced.
type Store interface {
	// GetOrCreateBalance returns the user's balance row, inserting a
	// zero-balance row first if one doesn't exist yet.
	GetOrCreateBalance(ctx context.Context, userID int64) (*model.TokenBalance, error)

	// DebitLocked performs amount's worth of deduction from userID's
	// balance and inserts a transaction row with reason=llm_usage, all
	// inside one database transaction with the balance row locked for
	// the duration (SELECT ... FOR UPDATE). Returns the post-debit
	// balance and the inserted transaction.
	//
	// The (message_id, reason) uniqueness constraint means a racing
	// retry for the same message fails this call with a constraint
	// violation rather than double-charging; callers translate that into
	// an idempotent no-op or propagate it, per internal/ledger's policy.
	DebitLocked(ctx context.Context, userID int64, amount int64, dialogID, messageID string) (*model.TokenBalance, *model.TokenTransaction, error)

	// CreditLocked adjusts userID's balance by amount (which may be
	// negative) and inserts a transaction row with the given reason and
	// admin user, inside one database transaction.
	CreditLocked(ctx context.Context, userID int64, amount int64, adminUserID int64, reason model.TransactionReason) (*model.TokenBalance, *model.TokenTransaction, error)

	// SetLimit writes a new spending limit (nil clears it).
	SetLimit(ctx context.Context, userID int64, limit *int64) error

	// TotalUsed sums the absolute value of every negative-amount
	// transaction for userID.
	TotalUsed(ctx context.Context, userID int64) (int64, error)

	// History returns userID's transactions ordered by created_at
	// descending.
	History(ctx context.Context, userID int64, skip, limit int) ([]model.TokenTransaction, error)

	// ListBalances returns every known balance row, for the admin user
	// list.
	ListBalances(ctx context.Context) ([]model.TokenBalance, error)
}

// ErrInsufficientBalance is returned by DebitLocked when the user's
// balance is less than the requested amount.
var ErrInsufficientBalance = insufficientBalanceError{}

type insufficientBalanceError struct{}

func (insufficientBalanceError) Error() string { return "ledgerstore: insufficient balance" }
