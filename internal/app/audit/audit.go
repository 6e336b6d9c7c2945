// Package audit appends every event flowing through the platform to a
// per-user activity log. The log is append-only and deduplicated on the
// event's idempotency key, so redelivered events cost one no-op insert.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/contracts"
)

type Entry struct {
	UserID         string          `json:"user_id"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Details        json.RawMessage `json:"details,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type Repository interface {
	// Insert appends the entry, reporting false when the idempotency key
	// already exists.
	Insert(ctx context.Context, entry Entry) (bool, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error)
}

type Service struct {
	Repo Repository
	Log  *zap.Logger
}

func NewService(repo Repository, log *zap.Logger) *Service {
	return &Service{Repo: repo, Log: log}
}

// HandleEvent records one event. Safe to call any number of times with the
// same envelope.
func (s *Service) HandleEvent(ctx context.Context, event contracts.Event) error {
	inserted, err := s.Repo.Insert(ctx, Entry{
		UserID:         event.UserID,
		Action:         string(event.EventType),
		EntityType:     event.EntityType(),
		EntityID:       event.EntityID,
		Timestamp:      event.Timestamp,
		Details:        event.Payload,
		IdempotencyKey: event.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.Log.Debug("audit entry already recorded",
			zap.String("idempotency_key", event.IdempotencyKey))
	}
	return nil
}
