package dialogstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/llm-gateway/gateway/internal/model"
)

// FakeStore is an in-memory Store used by orchestrator/httpapi tests so
// they don't need a real Postgres instance.
type FakeStore struct {
	mu       sync.Mutex
	dialogs  map[string]model.Dialog
	messages map[string][]model.Message
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		dialogs:  make(map[string]model.Dialog),
		messages: make(map[string][]model.Message),
	}
}

func (f *FakeStore) CreateDialog(ctx context.Context, d *model.Dialog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogs[d.ID] = *d
	return nil
}

func (f *FakeStore) GetDialog(ctx context.Context, id string) (*model.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dialogs[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f *FakeStore) ListDialogs(ctx context.Context, userID int64, skip, limit int) ([]model.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Dialog
	for _, d := range f.dialogs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, skip, limit), nil
}

func (f *FakeStore) DeleteDialog(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dialogs, id)
	delete(f.messages, id)
	return nil
}

func (f *FakeStore) AppendMessage(ctx context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.DialogID] = append(f.messages[m.DialogID], *m)
	return nil
}

func (f *FakeStore) ListMessages(ctx context.Context, dialogID string, skip, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := append([]model.Message(nil), f.messages[dialogID]...)
	return paginate(all, skip, limit), nil
}

func (f *FakeStore) DeleteMessage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for dialogID, msgs := range f.messages {
		for i, m := range msgs {
			if m.ID == id {
				f.messages[dialogID] = append(msgs[:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (f *FakeStore) CountByUser(ctx context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, d := range f.dialogs {
		if d.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (f *FakeStore) LastActivity(ctx context.Context, userID int64) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *time.Time
	for _, d := range f.dialogs {
		if d.UserID != userID {
			continue
		}
		if last == nil || d.CreatedAt.After(*last) {
			t := d.CreatedAt
			last = &t
		}
	}
	return last, nil
}

func paginate[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	end := skip + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[skip:end]
}
