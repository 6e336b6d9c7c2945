// Package notify stages user-facing notifications for events worth surfacing.
// Delivery (push, email) is owned by an external surface; this consumer only
// writes the staged record, keyed by the event's idempotency key so retries
// and duplicate deliveries collapse onto one notification.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/contracts"
)

const (
	KindTaskCreated   = "task_created"
	KindTaskCompleted = "task_completed"
	KindReminderDue   = "reminder_due"
)

type Notification struct {
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists staged notifications. Stage with an already-used key is a
// no-op; that property carries the exactly-once-visible guarantee.
type Store interface {
	Stage(ctx context.Context, key string, notification Notification) error
}

type Service struct {
	Store Store
	Log   *zap.Logger
	Now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{
		Store: store,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent stages a notification for the event types users see. Everything
// else is acknowledged untouched.
func (s *Service) HandleEvent(ctx context.Context, event contracts.Event) error {
	switch event.EventType {
	case contracts.TaskCreated:
		payload, err := event.TaskPayload()
		if err != nil {
			return err
		}
		return s.stage(ctx, event, Notification{
			UserID:  event.UserID,
			Kind:    KindTaskCreated,
			TaskID:  event.EntityID,
			Message: fmt.Sprintf("New task: %s", payload.Title),
		})

	case contracts.TaskCompleted:
		payload, err := event.TaskPayload()
		if err != nil {
			return err
		}
		return s.stage(ctx, event, Notification{
			UserID:  event.UserID,
			Kind:    KindTaskCompleted,
			TaskID:  event.EntityID,
			Message: fmt.Sprintf("Task completed: %s", payload.Title),
		})

	case contracts.ReminderTriggered:
		payload, err := event.ReminderPayload()
		if err != nil {
			return err
		}
		return s.stage(ctx, event, Notification{
			UserID:  event.UserID,
			Kind:    KindReminderDue,
			TaskID:  payload.TaskID,
			Message: "A task reminder is due",
		})
	}

	s.Log.Debug("event not notifiable", zap.String("event_type", string(event.EventType)))
	return nil
}

func (s *Service) stage(ctx context.Context, event contracts.Event, notification Notification) error {
	notification.CreatedAt = s.Now()
	if err := s.Store.Stage(ctx, event.IdempotencyKey, notification); err != nil {
		return fmt.Errorf("stage notification: %w", err)
	}
	s.Log.Info("notification staged",
		zap.String("kind", notification.Kind),
		zap.String("user_id", notification.UserID),
		zap.String("task_id", notification.TaskID))
	return nil
}
