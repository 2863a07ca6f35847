// Package dialogstore persists Dialog and Message records.
package dialogstore

import (
	"context"
	"time"

	"github.com/llm-gateway/gateway/internal/model"
)

// Store is the persistence contract the orchestrator and httpapi layers
// depend on. The Postgres implementation lives in postgres.go; tests use
// an in-memory fake (see fake.go) rather than a real database.
type Store interface {
	CreateDialog(ctx context.Context, d *model.Dialog) error
	GetDialog(ctx context.Context, id string) (*model.Dialog, error)
	ListDialogs(ctx context.Context, userID int64, skip, limit int) ([]model.Dialog, error)
	DeleteDialog(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, dialogID string, skip, limit int) ([]model.Message, error)
	// DeleteMessage removes one message by id. Used by the orchestrator to
	// compensate a user turn whose provider call then failed — there is no
	// cross-package database transaction spanning dialogstore and
	// ledgerstore, so "rollback" here means deleting what was already
	// written rather than aborting an uncommitted one.
	DeleteMessage(ctx context.Context, id string) error

	// CountByUser reports how many dialogs userID owns, for the admin
	// user-stats aggregate (§4.6).
	CountByUser(ctx context.Context, userID int64) (int, error)
	// LastActivity returns the most recent dialog creation time for
	// userID, or nil if the user has no dialogs.
	LastActivity(ctx context.Context, userID int64) (*time.Time, error)
}
