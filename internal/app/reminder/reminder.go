// Package reminder owns the reminder lifecycle: pending rows become
// triggered exactly once, or cancelled. Both terminal states are final; a
// late cancel against a triggered reminder is a no-op and vice versa.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/platform/metrics"
)

const (
	StatusPending   = "pending"
	StatusTriggered = "triggered"
	StatusCancelled = "cancelled"
)

type Reminder struct {
	ID        string
	TaskID    string
	UserID    string
	TriggerAt time.Time
	Status    string
}

type Repository interface {
	// Upsert inserts the reminder if absent, leaving existing rows alone.
	Upsert(ctx context.Context, reminder Reminder) error
	// DuePending lists pending reminders with trigger_at <= now.
	DuePending(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// MarkTriggered flips pending -> triggered, reporting false when the row
	// was no longer pending.
	MarkTriggered(ctx context.Context, reminderID string) (bool, error)
	// Cancel flips pending -> cancelled, reporting false when the row was no
	// longer pending.
	Cancel(ctx context.Context, reminderID string) (bool, error)
	// NextPending returns the earliest pending trigger time.
	NextPending(ctx context.Context) (time.Time, bool, error)
}

// TaskLookup answers whether a task is still live. Deleted tasks make their
// reminders cancel at fire time instead of notifying.
type TaskLookup interface {
	TaskExists(ctx context.Context, taskID string) (bool, error)
}

type EventPublisher interface {
	PublishEvent(event contracts.Event)
}

type Service struct {
	Repo      Repository
	Tasks     TaskLookup
	Events    EventPublisher
	Log       *zap.Logger
	Now       func() time.Time
	BatchSize int
}

func NewService(repo Repository, tasks TaskLookup, events EventPublisher, log *zap.Logger) *Service {
	return &Service{
		Repo:      repo,
		Tasks:     tasks,
		Events:    events,
		Log:       log,
		Now:       func() time.Time { return time.Now().UTC() },
		BatchSize: 200,
	}
}

// FireKey derives the idempotency key for a reminder's single firing. The
// same reminder always yields the same key, so a sweep that crashes after
// publishing and reruns cannot double-notify.
func FireKey(reminderID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("reminder-fire:"+reminderID)).String()
}

// HandleEvent keeps the reminder store aligned with the reminder topic.
func (s *Service) HandleEvent(ctx context.Context, event contracts.Event) error {
	switch event.EventType {
	case contracts.ReminderScheduled:
		payload, err := event.ReminderPayload()
		if err != nil {
			return err
		}
		return s.Repo.Upsert(ctx, Reminder{
			ID:        event.EntityID,
			TaskID:    payload.TaskID,
			UserID:    event.UserID,
			TriggerAt: payload.TriggerAt,
			Status:    StatusPending,
		})

	case contracts.ReminderCancelled:
		cancelled, err := s.Repo.Cancel(ctx, event.EntityID)
		if err != nil {
			return err
		}
		if !cancelled {
			s.Log.Debug("cancel on non-pending reminder ignored",
				zap.String("reminder_id", event.EntityID))
		}
		return nil

	case contracts.ReminderTriggered:
		// Terminal; emitted by this consumer's own sweep.
		return nil
	}
	return nil
}

// Sweep fires every due pending reminder once. Each firing is independent; a
// failure on one reminder is logged and the sweep moves on.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.Now()
	due, err := s.Repo.DuePending(ctx, now, s.BatchSize)
	if err != nil {
		return fmt.Errorf("list due reminders: %w", err)
	}

	for _, rem := range due {
		if err := s.fire(ctx, rem, now); err != nil {
			s.Log.Error("reminder firing failed",
				zap.String("reminder_id", rem.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) fire(ctx context.Context, rem Reminder, now time.Time) error {
	alive, err := s.Tasks.TaskExists(ctx, rem.TaskID)
	if err != nil {
		return fmt.Errorf("task lookup: %w", err)
	}
	if !alive {
		cancelled, err := s.Repo.Cancel(ctx, rem.ID)
		if err != nil {
			return fmt.Errorf("cancel orphaned reminder: %w", err)
		}
		if cancelled {
			s.Log.Info("reminder cancelled at fire time, task gone",
				zap.String("reminder_id", rem.ID), zap.String("task_id", rem.TaskID))
		}
		return nil
	}

	triggered, err := s.Repo.MarkTriggered(ctx, rem.ID)
	if err != nil {
		return fmt.Errorf("mark triggered: %w", err)
	}
	if !triggered {
		// Another sweep or a cancel won the race.
		return nil
	}

	// The user-facing notification rides on this event: the notification
	// consumer stages it, keyed by the fire key, so every replica of either
	// consumer converges on one staged record.
	s.Events.PublishEvent(contracts.Event{
		EventType:      contracts.ReminderTriggered,
		EntityID:       rem.ID,
		UserID:         rem.UserID,
		Timestamp:      now,
		IdempotencyKey: FireKey(rem.ID),
		Payload:        mustMarshalReminderPayload(rem),
	})
	metrics.RemindersFired.WithLabelValues().Inc()

	s.Log.Info("reminder fired",
		zap.String("reminder_id", rem.ID),
		zap.String("task_id", rem.TaskID),
		zap.Time("trigger_at", rem.TriggerAt))
	return nil
}

// NextDue feeds a timer-based trigger source.
func (s *Service) NextDue(ctx context.Context) (time.Time, bool, error) {
	return s.Repo.NextPending(ctx)
}

func mustMarshalReminderPayload(rem Reminder) json.RawMessage {
	data, _ := json.Marshal(contracts.ReminderPayload{TaskID: rem.TaskID, TriggerAt: rem.TriggerAt})
	return data
}
