package producer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/contracts"
)

type fakeBus struct {
	published map[contracts.Topic][][]byte
	err       error
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[contracts.Topic][][]byte{}}
}

func (b *fakeBus) Publish(topic contracts.Topic, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func newTestProducer(bus *fakeBus) *Producer {
	p := New(bus, zap.NewNop())
	p.Now = func() time.Time { return time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC) }
	p.NewKey = func() string { return "key-1" }
	p.Dispatch = func(fn func()) { fn() }
	return p
}

func TestPublish_BuildsEnvelope(t *testing.T) {
	bus := newFakeBus()
	p := newTestProducer(bus)

	p.Publish(contracts.TaskCreated, "task-1", "user-1", contracts.TaskPayload{Title: "Buy milk"})

	require.Len(t, bus.published[contracts.TopicTodo], 1)
	var event contracts.Event
	require.NoError(t, json.Unmarshal(bus.published[contracts.TopicTodo][0], &event))
	require.Equal(t, contracts.TaskCreated, event.EventType)
	require.Equal(t, "task-1", event.EntityID)
	require.Equal(t, "user-1", event.UserID)
	require.Equal(t, "key-1", event.IdempotencyKey)

	payload, err := event.TaskPayload()
	require.NoError(t, err)
	require.Equal(t, "Buy milk", payload.Title)
}

func TestPublish_ReminderEventsFanInToAudit(t *testing.T) {
	bus := newFakeBus()
	p := newTestProducer(bus)

	p.Publish(contracts.ReminderScheduled, "rem-1", "user-1", contracts.ReminderPayload{
		TaskID:    "task-1",
		TriggerAt: time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC),
	})

	require.Len(t, bus.published[contracts.TopicReminder], 1)
	require.Len(t, bus.published[contracts.TopicAudit], 1)
	// Same envelope on both topics, so the audit consumer dedups by key.
	require.Equal(t, bus.published[contracts.TopicReminder][0], bus.published[contracts.TopicAudit][0])
}

func TestPublish_TodoEventsDoNotFanIn(t *testing.T) {
	bus := newFakeBus()
	p := newTestProducer(bus)

	p.Publish(contracts.TaskCompleted, "task-1", "user-1", nil)

	require.Len(t, bus.published[contracts.TopicTodo], 1)
	require.Empty(t, bus.published[contracts.TopicAudit])
}

func TestPublish_BusFailureDoesNotPanicOrPropagate(t *testing.T) {
	bus := newFakeBus()
	bus.err = errors.New("bus unavailable")
	p := newTestProducer(bus)

	// Must not panic and must not surface the error to the caller.
	p.Publish(contracts.TaskCreated, "task-1", "user-1", nil)
}

func TestPublish_UnknownEventTypeDropped(t *testing.T) {
	bus := newFakeBus()
	p := newTestProducer(bus)

	p.Publish(contracts.EventType("task_archived"), "task-1", "user-1", nil)
	require.Empty(t, bus.published)
}
