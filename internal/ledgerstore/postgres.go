package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llm-gateway/gateway/internal/model"
)

// PostgresStore is the Store implementation backed by the
// token_balances and token_transactions tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetOrCreateBalance(ctx context.Context, userID int64) (*model.TokenBalance, error) {
	const q = `
		INSERT INTO token_balances (user_id, balance, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (user_id) DO UPDATE SET user_id = token_balances.user_id
		RETURNING user_id, balance, "limit", updated_at`

	row := s.pool.QueryRow(ctx, q, userID)
	return scanBalance(row)
}

// DebitLocked runs entirely inside one transaction: it locks the user's
// balance row with SELECT ... FOR UPDATE, so a concurrent debit for the
// same user waits rather than racing; the uniqueness constraint on
// (message_id, reason) is the final backstop if two orchestrator retries
// for the same message ever reached commit concurrently.
func (s *PostgresStore) DebitLocked(ctx context.Context, userID int64, amount int64, dialogID, messageID string) (*model.TokenBalance, *model.TokenTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO token_balances (user_id, balance, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (user_id) DO NOTHING
		`, userID); err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: ensure balance row: %w", err)
	}

	var current int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM token_balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&current); err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: lock balance: %w", err)
	}

	if current < amount {
		return nil, nil, ErrInsufficientBalance
	}

	newBalance := current - amount
	if _, err := tx.Exec(ctx, `UPDATE token_balances SET balance = $1, updated_at = now() WHERE user_id = $2`, newBalance, userID); err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: update balance: %w", err)
	}

	var txn model.TokenTransaction
	err = tx.QueryRow(ctx, `
		INSERT INTO token_transactions (user_id, amount, reason, dialog_id, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, user_id, amount, reason, dialog_id, message_id, admin_user_id, created_at
		`, userID, -amount, model.ReasonLLMUsage, dialogID, messageID,
	).Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Reason, &txn.DialogID, &txn.MessageID, &txn.AdminUserID, &txn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, nil, fmt.Errorf("ledgerstore: duplicate debit for message %s: %w", messageID, err)
		}
		return nil, nil, fmt.Errorf("ledgerstore: insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: commit: %w", err)
	}

	return &model.TokenBalance{UserID: userID, Balance: newBalance, UpdatedAt: time.Now()}, &txn, nil
}

func (s *PostgresStore) CreditLocked(ctx context.Context, userID int64, amount int64, adminUserID int64, reason model.TransactionReason) (*model.TokenBalance, *model.TokenTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO token_balances (user_id, balance, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (user_id) DO NOTHING
		`, userID); err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: ensure balance row: %w", err)
	}

	var newBalance int64
	if err := tx.QueryRow(ctx, `
		UPDATE token_balances SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2
		RETURNING balance
		`, amount, userID).Scan(&newBalance); err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: update balance: %w", err)
	}

	var txn model.TokenTransaction
	err = tx.QueryRow(ctx, `
		INSERT INTO token_transactions (user_id, amount, reason, admin_user_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, user_id, amount, reason, dialog_id, message_id, admin_user_id, created_at
		`, userID, amount, reason, adminUserID,
	).Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Reason, &txn.DialogID, &txn.MessageID, &txn.AdminUserID, &txn.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("ledgerstore: commit: %w", err)
	}

	return &model.TokenBalance{UserID: userID, Balance: newBalance, UpdatedAt: time.Now()}, &txn, nil
}

func (s *PostgresStore) SetLimit(ctx context.Context, userID int64, limit *int64) error {
	const q = `
		INSERT INTO token_balances (user_id, balance, "limit", updated_at)
		VALUES ($1, 0, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET "limit" = $2, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, limit); err != nil {
		return fmt.Errorf("ledgerstore: set limit: %w", err)
	}
	return nil
}

func (s *PostgresStore) TotalUsed(ctx context.Context, userID int64) (int64, error) {
	const q = `
		SELECT COALESCE(SUM(-amount), 0)
		FROM token_transactions
		WHERE user_id = $1 AND amount < 0`

	var total int64
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("ledgerstore: total used: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) History(ctx context.Context, userID int64, skip, limit int) ([]model.TokenTransaction, error) {
	const q = `
		SELECT id, user_id, amount, reason, dialog_id, message_id, admin_user_id, created_at
		FROM token_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		OFFSET $2 LIMIT NULLIF($3, 0)`

	rows, err := s.pool.Query(ctx, q, userID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: history: %w", err)
	}
	defer rows.Close()

	txns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TokenTransaction, error) {
		var t model.TokenTransaction
		if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Reason, &t.DialogID, &t.MessageID, &t.AdminUserID, &t.CreatedAt); err != nil {
			return model.TokenTransaction{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: scan history: %w", err)
	}
	if txns == nil {
		txns = []model.TokenTransaction{}
	}
	return txns, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.TokenBalance, error) {
	const q = `SELECT user_id, balance, "limit", updated_at FROM token_balances ORDER BY user_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: list balances: %w", err)
	}
	defer rows.Close()

	balances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TokenBalance, error) {
		b, err := scanBalance(row)
		if err != nil {
			return model.TokenBalance{}, err
		}
		return *b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: scan balances: %w", err)
	}
	if balances == nil {
		balances = []model.TokenBalance{}
	}
	return balances, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (*model.TokenBalance, error) {
	var b model.TokenBalance
	if err := row.Scan(&b.UserID, &b.Balance, &b.Limit, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("ledgerstore: scan balance: %w", err)
	}
	return &b, nil
}
