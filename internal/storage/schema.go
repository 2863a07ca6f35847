// Package storage owns the gateway's relational schema: idempotent
// bootstrap DDL run on every process start, not a migration framework.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlModels = `
CREATE TABLE IF NOT EXISTS models (
    name                    TEXT PRIMARY KEY,
    provider                TEXT NOT NULL,
    prompt_price_per_1k     DOUBLE PRECISION NOT NULL DEFAULT 0,
    completion_price_per_1k DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_window          INTEGER NOT NULL DEFAULT 0,
    enabled                 BOOLEAN NOT NULL DEFAULT true
);
`

const ddlDialogs = `
CREATE TABLE IF NOT EXISTS dialogs (
    id            TEXT PRIMARY KEY,
    user_id       BIGINT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    system_prompt TEXT NOT NULL DEFAULT '',
    model         TEXT NOT NULL,
    config        JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dialogs_user_id ON dialogs (user_id);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id                TEXT PRIMARY KEY,
    dialog_id         TEXT NOT NULL REFERENCES dialogs (id) ON DELETE CASCADE,
    role              TEXT NOT NULL,
    content           TEXT NOT NULL,
    prompt_tokens     INTEGER,
    completion_tokens INTEGER,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_dialog_id_created_at
    ON messages (dialog_id, created_at);
`

const ddlTokenBalances = `
CREATE TABLE IF NOT EXISTS token_balances (
    user_id    BIGINT PRIMARY KEY,
    balance    BIGINT NOT NULL DEFAULT 0,
    "limit"    BIGINT,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const ddlTokenTransactions = `
CREATE TABLE IF NOT EXISTS token_transactions (
    id            BIGSERIAL PRIMARY KEY,
    user_id       BIGINT NOT NULL,
    amount        BIGINT NOT NULL,
    reason        TEXT NOT NULL,
    dialog_id     TEXT REFERENCES dialogs (id) ON DELETE SET NULL,
    message_id    TEXT REFERENCES messages (id) ON DELETE SET NULL,
    admin_user_id BIGINT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_token_transactions_user_id_created_at
    ON token_transactions (user_id, created_at DESC);

-- Correctness backstop against double-charging the same message (§4.3):
-- a racing retry of the same debit is rejected at commit, not silently
-- applied twice.
CREATE UNIQUE INDEX IF NOT EXISTS uq_token_transactions_message_reason
    ON token_transactions (message_id, reason)
    WHERE message_id IS NOT NULL;
`

const ddlAuditLogs = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id         BIGSERIAL PRIMARY KEY,
    admin_user_id BIGINT NOT NULL,
    action     TEXT NOT NULL,
    target_user_id BIGINT,
    details    JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_target_user_id
    ON audit_logs (target_user_id);
`

const ddlSystemConfigs = `
CREATE TABLE IF NOT EXISTS system_configs (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures every table the gateway needs exists. It is
// idempotent (CREATE TABLE/INDEX IF NOT EXISTS) and safe to call on every
// process start — there is no separate migration-runner binary.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlModels,
		ddlDialogs,
		ddlMessages,
		ddlTokenBalances,
		ddlTokenTransactions,
		ddlAuditLogs,
		ddlSystemConfigs,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// NewPool opens a pgxpool.Pool against dsn and verifies connectivity with
// a Ping before returning.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return pool, nil
}
