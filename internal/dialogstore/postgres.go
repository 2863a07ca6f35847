package dialogstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llm-gateway/gateway/internal/model"
)

// PostgresStore is the Store implementation backed by the dialogs and
// messages tables (schema owned by internal/storage).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateDialog(ctx context.Context, d *model.Dialog) error {
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("dialogstore: marshal config: %w", err)
	}

	const q = `
		INSERT INTO dialogs (id, user_id, title, system_prompt, model, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.pool.Exec(ctx, q,
		d.ID, d.UserID, d.Title, d.SystemPrompt, d.Model, configJSON, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dialogstore: create dialog: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDialog(ctx context.Context, id string) (*model.Dialog, error) {
	const q = `
		SELECT id, user_id, title, system_prompt, model, config, created_at, updated_at
		FROM dialogs
		WHERE id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	d, err := scanDialog(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("dialogstore: get dialog: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDialogs(ctx context.Context, userID int64, skip, limit int) ([]model.Dialog, error) {
	const q = `
		SELECT id, user_id, title, system_prompt, model, config, created_at, updated_at
		FROM dialogs
		WHERE user_id = $1
		ORDER BY created_at DESC
		OFFSET $2 LIMIT NULLIF($3, 0)`

	rows, err := s.pool.Query(ctx, q, userID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("dialogstore: list dialogs: %w", err)
	}
	defer rows.Close()

	dialogs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Dialog, error) {
		d, err := scanDialog(row)
		if err != nil {
			return model.Dialog{}, err
		}
		return *d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dialogstore: scan dialogs: %w", err)
	}
	if dialogs == nil {
		dialogs = []model.Dialog{}
	}
	return dialogs, nil
}

func (s *PostgresStore) DeleteDialog(ctx context.Context, id string) error {
	// messages cascade via the FK's ON DELETE CASCADE; token_transactions
	// SET NULL on their dialog_id/message_id columns.
	if _, err := s.pool.Exec(ctx, `DELETE FROM dialogs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dialogstore: delete dialog: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *model.Message) error {
	const q = `
		INSERT INTO messages (id, dialog_id, role, content, prompt_tokens, completion_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		m.ID, m.DialogID, m.Role, m.Content, m.PromptTokens, m.CompletionTokens, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("dialogstore: append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, dialogID string, skip, limit int) ([]model.Message, error) {
	const q = `
		SELECT id, dialog_id, role, content, prompt_tokens, completion_tokens, created_at
		FROM messages
		WHERE dialog_id = $1
		ORDER BY created_at ASC
		OFFSET $2 LIMIT NULLIF($3, 0)`

	rows, err := s.pool.Query(ctx, q, dialogID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("dialogstore: list messages: %w", err)
	}
	defer rows.Close()

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		var m model.Message
		if err := row.Scan(
			&m.ID, &m.DialogID, &m.Role, &m.Content, &m.PromptTokens, &m.CompletionTokens, &m.CreatedAt,
		); err != nil {
			return model.Message{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dialogstore: scan messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dialogstore: delete message: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountByUser(ctx context.Context, userID int64) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dialogs WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("dialogstore: count by user: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) LastActivity(ctx context.Context, userID int64) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx, `SELECT max(created_at) FROM dialogs WHERE user_id = $1`, userID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("dialogstore: last activity: %w", err)
	}
	return last, nil
}

// scanner is the subset of pgx.Row/pgx.CollectableRow this package needs.
type scanner interface {
	Scan(dest ...any) error
}

func scanDialog(row scanner) (*model.Dialog, error) {
	var d model.Dialog
	var configJSON []byte
	if err := row.Scan(
		&d.ID, &d.UserID, &d.Title, &d.SystemPrompt, &d.Model, &configJSON, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &d.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &d, nil
}
