package ledgerstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/llm-gateway/gateway/internal/model"
)

// FakeStore is an in-memory Store used by internal/ledger's tests. It
// emulates the row-lock-per-user semantics with a single mutex, which is
// sufficient for single-process test scenarios.
type FakeStore struct {
	mu       sync.Mutex
	balances map[int64]model.TokenBalance
	txns     []model.TokenTransaction
	nextID   int64
	seen     map[string]bool // message_id|reason uniqueness
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		balances: make(map[int64]model.TokenBalance),
		seen:     make(map[string]bool),
	}
}

func (f *FakeStore) GetOrCreateBalance(ctx context.Context, userID int64) (*model.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getOrCreateLocked(userID), nil
}

func (f *FakeStore) getOrCreateLocked(userID int64) *model.TokenBalance {
	b, ok := f.balances[userID]
	if !ok {
		b = model.TokenBalance{UserID: userID, UpdatedAt: time.Now()}
		f.balances[userID] = b
	}
	return &b
}

func (f *FakeStore) DebitLocked(ctx context.Context, userID int64, amount int64, dialogID, messageID string) (*model.TokenBalance, *model.TokenTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := messageID + "|" + string(model.ReasonLLMUsage)
	if f.seen[key] {
		return nil, nil, ErrDuplicateDebit
	}

	b := f.getOrCreateLocked(userID)
	if b.Balance < amount {
		return nil, nil, ErrInsufficientBalance
	}

	b.Balance -= amount
	b.UpdatedAt = time.Now()
	f.balances[userID] = *b
	f.seen[key] = true

	f.nextID++
	dID, mID := dialogID, messageID
	txn := model.TokenTransaction{
		ID:        f.nextID,
		UserID:    userID,
		Amount:    -amount,
		Reason:    model.ReasonLLMUsage,
		DialogID:  &dID,
		MessageID: &mID,
		CreatedAt: time.Now(),
	}
	f.txns = append(f.txns, txn)

	balCopy := *b
	return &balCopy, &txn, nil
}

func (f *FakeStore) CreditLocked(ctx context.Context, userID int64, amount int64, adminUserID int64, reason model.TransactionReason) (*model.TokenBalance, *model.TokenTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.getOrCreateLocked(userID)
	b.Balance += amount
	b.UpdatedAt = time.Now()
	f.balances[userID] = *b

	f.nextID++
	admin := adminUserID
	txn := model.TokenTransaction{
		ID:          f.nextID,
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		AdminUserID: &admin,
		CreatedAt:   time.Now(),
	}
	f.txns = append(f.txns, txn)

	balCopy := *b
	return &balCopy, &txn, nil
}

func (f *FakeStore) SetLimit(ctx context.Context, userID int64, limit *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.getOrCreateLocked(userID)
	b.Limit = limit
	b.UpdatedAt = time.Now()
	f.balances[userID] = *b
	return nil
}

func (f *FakeStore) TotalUsed(ctx context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, t := range f.txns {
		if t.UserID == userID && t.Amount < 0 {
			total += -t.Amount
		}
	}
	return total, nil
}

func (f *FakeStore) History(ctx context.Context, userID int64, skip, limit int) ([]model.TokenTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.TokenTransaction
	for _, t := range f.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if skip >= len(out) {
		return []model.TokenTransaction{}, nil
	}
	end := skip + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[skip:end], nil
}

func (f *FakeStore) ListBalances(ctx context.Context) ([]model.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.TokenBalance, 0, len(f.balances))
	for _, b := range f.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ErrDuplicateDebit mirrors the Postgres uniqueness-constraint violation
// DebitLocked hits if a retry for the same message races a prior commit.
var ErrDuplicateDebit = duplicateDebitError{}

type duplicateDebitError struct{}

func (duplicateDebitError) Error() string { return "ledgerstore: duplicate debit for message" }
