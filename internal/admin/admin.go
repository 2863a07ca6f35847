// Package admin implements the administrative surface (§4.6): user
// listing and detail aggregates, spending-limit management, manual
// top-up/deduct, and transaction history — all gated on the caller's
// is_admin claim.
package admin

import (
	"context"
	"time"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/dialogstore"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/ledger"
	"github.com/llm-gateway/gateway/internal/model"
)

// UserStats is one row of the user list / the common prefix of a user
// detail response.
type UserStats struct {
	UserID          int64
	DialogCount     int
	TotalTokensUsed int64
	Balance         int64
	Limit           *int64
}

// UserDetails extends UserStats with the most recent dialog creation
// time, only computed for the single-user detail lookup since it's one
// extra query per user.
type UserDetails struct {
	UserStats
	LastActivity *time.Time
}

// Admin is the business-logic layer behind the admin HTTP routes. Every
// method assumes the caller has already been authenticated; it enforces
// is_admin itself so a future internal caller can't forget the check.
type Admin struct {
	dialogs dialogstore.Store
	ledger  *ledger.Ledger
	bus     *events.Bus
}

func New(dialogs dialogstore.Store, l *ledger.Ledger, bus *events.Bus) *Admin {
	return &Admin{dialogs: dialogs, ledger: l, bus: bus}
}

func requireAdmin(isAdmin bool) error {
	if !isAdmin {
		return apperr.Forbidden("admin access required")
	}
	return nil
}

// ListUsers returns a page of every known user's aggregate stats,
// ordered by user id ascending, as ListBalances returns them (both the
// fake store and Postgres sort on user_id).
func (a *Admin) ListUsers(ctx context.Context, isAdmin bool, skip, limit int) ([]UserStats, error) {
	if err := requireAdmin(isAdmin); err != nil {
		return nil, err
	}

	balances, err := a.ledger.AllBalances(ctx)
	if err != nil {
		return nil, err
	}
	balances = paginateBalances(balances, skip, limit)

	out := make([]UserStats, 0, len(balances))
	for _, b := range balances {
		stats, err := a.statsFor(ctx, b)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// GetUserDetails returns userID's aggregate stats plus last_activity.
func (a *Admin) GetUserDetails(ctx context.Context, userID int64, isAdmin bool) (*UserDetails, error) {
	if err := requireAdmin(isAdmin); err != nil {
		return nil, err
	}

	balance, err := a.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats, err := a.statsFor(ctx, *balance)
	if err != nil {
		return nil, err
	}

	lastActivity, err := a.dialogs.LastActivity(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("last activity", err)
	}

	return &UserDetails{UserStats: stats, LastActivity: lastActivity}, nil
}

func (a *Admin) statsFor(ctx context.Context, balance model.TokenBalance) (UserStats, error) {
	dialogCount, err := a.dialogs.CountByUser(ctx, balance.UserID)
	if err != nil {
		return UserStats{}, apperr.Internal("count dialogs", err)
	}
	totalUsed, err := a.ledger.TotalUsed(ctx, balance.UserID)
	if err != nil {
		return UserStats{}, err
	}
	return UserStats{
		UserID:          balance.UserID,
		DialogCount:     dialogCount,
		TotalTokensUsed: totalUsed,
		Balance:         balance.Balance,
		Limit:           balance.Limit,
	}, nil
}

// SetLimit sets userID's spending limit (nil = unlimited).
func (a *Admin) SetLimit(ctx context.Context, userID int64, limit *int64, adminUserID int64, isAdmin bool) (*model.TokenBalance, error) {
	if err := requireAdmin(isAdmin); err != nil {
		return nil, err
	}
	if err := a.ledger.SetLimit(ctx, userID, limit, adminUserID); err != nil {
		return nil, err
	}
	return a.ledger.Balance(ctx, userID)
}

// AdjustBalance tops up (amount >= 0) or deducts (amount < 0) userID's
// balance and appends the matching admin transaction, emitting an
// admin_action event labeled "top_up" or "deduct".
func (a *Admin) AdjustBalance(ctx context.Context, userID int64, amount int64, adminUserID int64, isAdmin bool) (*model.TokenBalance, *model.TokenTransaction, error) {
	if err := requireAdmin(isAdmin); err != nil {
		return nil, nil, err
	}

	reason := model.ReasonAdminTopUp
	action := "top_up"
	if amount < 0 {
		reason = model.ReasonAdminDeduct
		action = "deduct"
	}

	balance, txn, err := a.ledger.Credit(ctx, userID, amount, adminUserID, reason)
	if err != nil {
		return nil, nil, err
	}

	a.bus.Emit(ctx, events.Event{
		Type:      events.TypeAdminAction,
		UserID:    userID,
		AdminID:   adminUserID,
		Action:    action,
		Amount:    amount,
		Timestamp: time.Now(),
	})

	return balance, txn, nil
}

// History returns userID's transaction history.
func (a *Admin) History(ctx context.Context, userID int64, isAdmin bool, skip, limit int) ([]model.TokenTransaction, error) {
	if err := requireAdmin(isAdmin); err != nil {
		return nil, err
	}
	return a.ledger.History(ctx, userID, skip, limit)
}

func paginateBalances(items []model.TokenBalance, skip, limit int) []model.TokenBalance {
	if skip >= len(items) {
		return []model.TokenBalance{}
	}
	end := skip + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[skip:end]
}
