package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/contracts"
)

type fakeRepo struct {
	entries map[string]Entry
	order   []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: map[string]Entry{}}
}

func (f *fakeRepo) Insert(_ context.Context, entry Entry) (bool, error) {
	if _, ok := f.entries[entry.IdempotencyKey]; ok {
		return false, nil
	}
	f.entries[entry.IdempotencyKey] = entry
	f.order = append(f.order, entry.IdempotencyKey)
	return true, nil
}

func (f *fakeRepo) ListByUser(_ context.Context, userID string, _ int) ([]Entry, error) {
	var out []Entry
	for _, key := range f.order {
		if f.entries[key].UserID == userID {
			out = append(out, f.entries[key])
		}
	}
	return out, nil
}

func testEvent(key string) contracts.Event {
	payload, _ := json.Marshal(contracts.TaskPayload{Title: "Buy milk"})
	return contracts.Event{
		EventType:      contracts.TaskCreated,
		EntityID:       "task-1",
		UserID:         "user-1",
		Timestamp:      time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC),
		IdempotencyKey: key,
		Payload:        payload,
	}
}

func TestHandleEvent_RecordsEntry(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, zap.NewNop())

	require.NoError(t, svc.HandleEvent(context.Background(), testEvent("key-1")))

	entry, ok := repo.entries["key-1"]
	require.True(t, ok)
	require.Equal(t, "task_created", entry.Action)
	require.Equal(t, "task", entry.EntityType)
	require.Equal(t, "task-1", entry.EntityID)
	require.JSONEq(t, `{"title":"Buy milk"}`, string(entry.Details))
}

func TestHandleEvent_DuplicateDeliveryWritesOnce(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, zap.NewNop())

	event := testEvent("key-dup")
	require.NoError(t, svc.HandleEvent(context.Background(), event))
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	require.Len(t, repo.entries, 1)
}

func TestHandleEvent_ReminderEventEntityType(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, zap.NewNop())

	event := testEvent("key-2")
	event.EventType = contracts.ReminderTriggered
	event.EntityID = "rem-1"
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	require.Equal(t, "reminder", repo.entries["key-2"].EntityType)
}
