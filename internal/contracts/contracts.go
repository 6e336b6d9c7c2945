package contracts

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrMalformedEvent covers structural defects that no retry can fix:
// unparseable JSON, a blank user_id or idempotency_key, or an event type
// outside the closed set. Such events go straight to the dead letter.
var ErrMalformedEvent = errors.New("malformed event")

type EventType string

const (
	TaskCreated       EventType = "task_created"
	TaskUpdated       EventType = "task_updated"
	TaskDeleted       EventType = "task_deleted"
	TaskCompleted     EventType = "task_completed"
	ReminderScheduled EventType = "reminder_scheduled"
	ReminderTriggered EventType = "reminder_triggered"
	ReminderCancelled EventType = "reminder_cancelled"
	RecurringSpawned  EventType = "recurring_spawned"
	AIToolCalled      EventType = "ai_tool_called"
)

// Event is the wire envelope shared by every topic. The payload shape is
// event-type specific and decoded by the owning consumer.
type Event struct {
	EventType      EventType       `json:"event_type"`
	EntityID       string          `json:"entity_id"`
	UserID         string          `json:"user_id"`
	Timestamp      time.Time       `json:"timestamp"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (e Event) Validate() error {
	if _, ok := TopicFor(e.EventType); !ok {
		return ErrMalformedEvent
	}
	if strings.TrimSpace(e.UserID) == "" {
		return ErrMalformedEvent
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return ErrMalformedEvent
	}
	return nil
}

// Decode unmarshals and validates an envelope in one step.
func Decode(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, ErrMalformedEvent
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// EntityType derives the audited entity kind from the event type,
// e.g. "task_created" -> "task".
func (e Event) EntityType() string {
	name := string(e.EventType)
	if idx := strings.Index(name, "_"); idx > 0 {
		return name[:idx]
	}
	return name
}

// RecurringRule is the wire form of a recurrence schedule attached to a task.
type RecurringRule struct {
	Frequency      string `json:"frequency"`
	Interval       int    `json:"interval"`
	DayOfWeek      *int   `json:"day_of_week,omitempty"`
	DayOfMonth     *int   `json:"day_of_month,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
}

type TaskPayload struct {
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Completed     bool           `json:"completed,omitempty"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	ReminderTime  *time.Time     `json:"reminder_time,omitempty"`
	RecurringRule *RecurringRule `json:"recurring_rule,omitempty"`
}

type ReminderPayload struct {
	TaskID    string    `json:"task_id"`
	TriggerAt time.Time `json:"trigger_at"`
}

type RecurrenceSpawnPayload struct {
	ParentTaskID  string    `json:"parent_task_id"`
	SpawnedTaskID string    `json:"spawned_task_id"`
	NextTriggerAt time.Time `json:"next_trigger_at"`
}

type ToolCallPayload struct {
	ToolName     string          `json:"tool_name"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	ResultStatus string          `json:"result_status"`
	DurationMS   int64           `json:"duration_ms"`
}

func (e Event) TaskPayload() (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return TaskPayload{}, ErrMalformedEvent
	}
	return p, nil
}

func (e Event) ReminderPayload() (ReminderPayload, error) {
	var p ReminderPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ReminderPayload{}, ErrMalformedEvent
	}
	return p, nil
}

func (e Event) RecurrenceSpawnPayload() (RecurrenceSpawnPayload, error) {
	var p RecurrenceSpawnPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return RecurrenceSpawnPayload{}, ErrMalformedEvent
	}
	return p, nil
}

func (e Event) ToolCallPayload() (ToolCallPayload, error) {
	var p ToolCallPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ToolCallPayload{}, ErrMalformedEvent
	}
	return p, nil
}
