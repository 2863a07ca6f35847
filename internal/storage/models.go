package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llm-gateway/gateway/internal/model"
)

// LoadModels reads every enabled catalog row, for the provider registry
// to snapshot once at process start (§4.2 — the registry never reloads
// while running).
func LoadModels(ctx context.Context, pool *pgxpool.Pool) ([]model.Model, error) {
	const q = `
		SELECT name, provider, prompt_price_per_1k, completion_price_per_1k, context_window, enabled
		FROM models
		WHERE enabled = true`

	rows, err := pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("storage: load models: %w", err)
	}
	defer rows.Close()

	models, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Model, error) {
		var m model.Model
		if err := row.Scan(&m.Name, &m.Provider, &m.PromptPricePer1K, &m.CompletionPricePer1K, &m.ContextWindow, &m.Enabled); err != nil {
			return model.Model{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan models: %w", err)
	}
	return models, nil
}

// SeedDefaultModel inserts name if the catalog has no row for it yet,
// priced at the end-to-end scenario default (§8): 0.0005/0.0015 per 1k.
// LoadModels serves whatever enabled rows the models table holds; this
// seed exists so a fresh database has at least one usable model to
// point DefaultModel at.
func SeedDefaultModel(ctx context.Context, pool *pgxpool.Pool, name, provider string, contextWindow int) error {
	const q = `
		INSERT INTO models (name, provider, prompt_price_per_1k, completion_price_per_1k, context_window, enabled)
		VALUES ($1, $2, 0.0005, 0.0015, $3, true)
		ON CONFLICT (name) DO NOTHING`
	if _, err := pool.Exec(ctx, q, name, provider, contextWindow); err != nil {
		return fmt.Errorf("storage: seed default model: %w", err)
	}
	return nil
}
