package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecode_ValidEnvelope(t *testing.T) {
	data := []byte(`{
		"event_type": "task_created",
		"entity_id": "task-1",
		"user_id": "user-1",
		"timestamp": "2026-02-07T10:00:00Z",
		"idempotency_key": "key-1",
		"payload": {"title": "Buy milk", "priority": "high"}
	}`)

	event, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TaskCreated, event.EventType)
	require.Equal(t, "task", event.EntityType())

	payload, err := event.TaskPayload()
	require.NoError(t, err)
	require.Equal(t, "Buy milk", payload.Title)
	require.Equal(t, "high", payload.Priority)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":            `{"event_type": `,
		"unknown event type":  `{"event_type":"task_archived","entity_id":"t","user_id":"u","idempotency_key":"k"}`,
		"missing user_id":     `{"event_type":"task_created","entity_id":"t","idempotency_key":"k"}`,
		"blank user_id":       `{"event_type":"task_created","entity_id":"t","user_id":"  ","idempotency_key":"k"}`,
		"missing idempotency": `{"event_type":"task_created","entity_id":"t","user_id":"u"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestTopicFor_CoversEveryEventType(t *testing.T) {
	want := map[EventType]Topic{
		TaskCreated:       TopicTodo,
		TaskUpdated:       TopicTodo,
		TaskDeleted:       TopicTodo,
		TaskCompleted:     TopicTodo,
		ReminderScheduled: TopicReminder,
		ReminderTriggered: TopicReminder,
		ReminderCancelled: TopicReminder,
		RecurringSpawned:  TopicRecurring,
		AIToolCalled:      TopicAI,
	}
	for eventType, topic := range want {
		got, ok := TopicFor(eventType)
		require.True(t, ok, "event type %s has no topic", eventType)
		require.Equal(t, topic, got)
	}
}

func TestTopic_DeadLetter(t *testing.T) {
	require.Equal(t, Topic("todo.events.deadletter"), TopicTodo.DeadLetter())
}

func TestEntityType(t *testing.T) {
	require.Equal(t, "reminder", Event{EventType: ReminderTriggered}.EntityType())
	require.Equal(t, "ai", Event{EventType: AIToolCalled}.EntityType())
}

func TestEvent_PayloadRoundTrip(t *testing.T) {
	trigger := time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(ReminderPayload{TaskID: "task-1", TriggerAt: trigger})
	require.NoError(t, err)

	event := Event{EventType: ReminderScheduled, Payload: raw}
	payload, err := event.ReminderPayload()
	require.NoError(t, err)
	require.Equal(t, "task-1", payload.TaskID)
	require.True(t, payload.TriggerAt.Equal(trigger))
}
