// Package recurring advances recurrence rules and spawns the next task
// instance for each due rule. A rule fires at most once per trigger instant:
// the spawn key and the spawned task's ID are both derived from the rule's
// task and the instant, so concurrent replicas converge on one task row, and
// the next_trigger_at advance is a compare-and-set against the value that was
// due. Spawned tasks go through the task API so they take the same write
// path as user-created tasks.
package recurring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/app/taskapi"
	"github.com/taskpilot/platform/internal/consumer"
	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/platform/metrics"
	"github.com/taskpilot/platform/internal/schedule"
)

type Rule struct {
	ID             string
	TaskID         string
	UserID         string
	Frequency      string
	Interval       int
	DayOfWeek      *int
	DayOfMonth     *int
	CronExpression string
	NextTriggerAt  time.Time
	IsActive       bool
}

type Repository interface {
	Upsert(ctx context.Context, rule Rule) error
	// DueActive lists active rules with next_trigger_at <= now.
	DueActive(ctx context.Context, now time.Time, limit int) ([]Rule, error)
	// AdvanceNextTrigger moves next_trigger_at from -> to, reporting false
	// when another sweep already advanced it.
	AdvanceNextTrigger(ctx context.Context, ruleID string, from, to time.Time) (bool, error)
	Deactivate(ctx context.Context, taskID string) error
	// NextDue returns the earliest active trigger time.
	NextDue(ctx context.Context) (time.Time, bool, error)
}

// SpawnTemplate carries the parent task fields copied onto each instance.
type SpawnTemplate struct {
	UserID      string
	Title       string
	Description string
	Priority    string
	Tags        []string
}

type ParentLookup interface {
	// ParentTask returns the spawn template for a live task; ok is false when
	// the task is gone.
	ParentTask(ctx context.Context, taskID string) (SpawnTemplate, bool, error)
}

type TaskCreator interface {
	CreateTask(ctx context.Context, userID string, req taskapi.CreateTaskRequest) (taskapi.Task, error)
}

type EventPublisher interface {
	PublishEvent(event contracts.Event)
}

type Service struct {
	Repo      Repository
	Parents   ParentLookup
	Tasks     TaskCreator
	Guard     consumer.Guard
	Events    EventPublisher
	Log       *zap.Logger
	Now       func() time.Time
	BatchSize int
}

func NewService(repo Repository, parents ParentLookup, tasks TaskCreator, guard consumer.Guard, events EventPublisher, log *zap.Logger) *Service {
	return &Service{
		Repo:      repo,
		Parents:   parents,
		Tasks:     tasks,
		Guard:     guard,
		Events:    events,
		Log:       log,
		Now:       func() time.Time { return time.Now().UTC() },
		BatchSize: 100,
	}
}

// SpawnKey is the deterministic key for one rule firing. Reruns over the same
// trigger instant always derive the same key.
func SpawnKey(parentTaskID string, triggerAt time.Time) string {
	seed := parentTaskID + "|" + triggerAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("recurring-spawn:"+seed)).String()
}

// SpawnedTaskID pins the identity of the task a firing creates. Two replicas
// firing the same rule at the same instant ask the task store for the same
// row, and its insert-on-conflict collapses the second create.
func SpawnedTaskID(parentTaskID string, triggerAt time.Time) string {
	seed := parentTaskID + "|" + triggerAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("recurring-task:"+seed)).String()
}

// RuleID derives the stored rule identity from its task, so replayed
// task_created events upsert instead of duplicating.
func RuleID(taskID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("recurring-rule:"+taskID)).String()
}

// HandleEvent keeps the rule store aligned with the todo topic.
func (s *Service) HandleEvent(ctx context.Context, event contracts.Event) error {
	switch event.EventType {
	case contracts.TaskCreated:
		payload, err := event.TaskPayload()
		if err != nil {
			return err
		}
		if payload.RecurringRule == nil {
			return nil
		}
		next, err := schedule.Next(wireSpec(*payload.RecurringRule), event.Timestamp)
		if err != nil {
			// A rule that cannot produce a next trigger is unfixable by retry.
			return consumer.Permanent(fmt.Errorf("recurrence rule for task %s: %w", event.EntityID, err))
		}
		return s.Repo.Upsert(ctx, Rule{
			ID:             RuleID(event.EntityID),
			TaskID:         event.EntityID,
			UserID:         event.UserID,
			Frequency:      payload.RecurringRule.Frequency,
			Interval:       payload.RecurringRule.Interval,
			DayOfWeek:      payload.RecurringRule.DayOfWeek,
			DayOfMonth:     payload.RecurringRule.DayOfMonth,
			CronExpression: payload.RecurringRule.CronExpression,
			NextTriggerAt:  next,
			IsActive:       true,
		})

	case contracts.TaskDeleted:
		return s.Repo.Deactivate(ctx, event.EntityID)
	}
	return nil
}

// Sweep spawns an instance for every due rule and advances its trigger.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.Now()
	due, err := s.Repo.DueActive(ctx, now, s.BatchSize)
	if err != nil {
		return fmt.Errorf("list due rules: %w", err)
	}

	for _, rule := range due {
		if err := s.fire(ctx, rule); err != nil {
			s.Log.Error("recurrence firing failed",
				zap.String("task_id", rule.TaskID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) fire(ctx context.Context, rule Rule) error {
	parent, alive, err := s.Parents.ParentTask(ctx, rule.TaskID)
	if err != nil {
		return fmt.Errorf("parent lookup: %w", err)
	}
	if !alive {
		if err := s.Repo.Deactivate(ctx, rule.TaskID); err != nil {
			return fmt.Errorf("deactivate orphaned rule: %w", err)
		}
		s.Log.Info("rule deactivated, parent task gone", zap.String("task_id", rule.TaskID))
		return nil
	}

	next, err := schedule.Next(ruleSpec(rule), rule.NextTriggerAt)
	if err != nil {
		return fmt.Errorf("compute next trigger: %w", err)
	}

	spawnKey := SpawnKey(rule.TaskID, rule.NextTriggerAt)
	seen, err := s.Guard.Seen(ctx, spawnKey)
	if err != nil {
		s.Log.Warn("spawn guard unavailable, proceeding", zap.Error(err))
	} else if seen {
		// Spawned on a previous run that died before advancing; finish the
		// advance and move on.
		if _, err := s.Repo.AdvanceNextTrigger(ctx, rule.ID, rule.NextTriggerAt, next); err != nil {
			return fmt.Errorf("advance after duplicate spawn: %w", err)
		}
		return nil
	}

	spawned, err := s.Tasks.CreateTask(ctx, rule.UserID, taskapi.CreateTaskRequest{
		TaskID:      SpawnedTaskID(rule.TaskID, rule.NextTriggerAt),
		Title:       parent.Title,
		Description: parent.Description,
		Priority:    parent.Priority,
		Tags:        parent.Tags,
	})
	if err != nil {
		return fmt.Errorf("spawn task: %w", err)
	}

	advanced, err := s.Repo.AdvanceNextTrigger(ctx, rule.ID, rule.NextTriggerAt, next)
	if err != nil {
		return fmt.Errorf("advance next trigger: %w", err)
	}
	if !advanced {
		s.Log.Warn("concurrent sweep advanced the rule first",
			zap.String("task_id", rule.TaskID))
	}
	if err := s.Guard.Mark(ctx, spawnKey); err != nil {
		s.Log.Warn("mark spawn key", zap.Error(err))
	}

	s.Events.PublishEvent(contracts.Event{
		EventType:      contracts.RecurringSpawned,
		EntityID:       spawned.ID,
		UserID:         rule.UserID,
		Timestamp:      s.Now(),
		IdempotencyKey: spawnKey,
		Payload:        mustMarshalSpawnPayload(rule.TaskID, spawned.ID, next),
	})
	metrics.TasksSpawned.WithLabelValues().Inc()

	s.Log.Info("recurring task spawned",
		zap.String("parent_task_id", rule.TaskID),
		zap.String("spawned_task_id", spawned.ID),
		zap.Time("next_trigger_at", next))
	return nil
}

// NextDue feeds a timer-based trigger source.
func (s *Service) NextDue(ctx context.Context) (time.Time, bool, error) {
	return s.Repo.NextDue(ctx)
}

func ruleSpec(rule Rule) schedule.Spec {
	return schedule.Spec{
		Frequency:      rule.Frequency,
		Interval:       rule.Interval,
		DayOfWeek:      rule.DayOfWeek,
		DayOfMonth:     rule.DayOfMonth,
		CronExpression: rule.CronExpression,
	}
}

func wireSpec(rule contracts.RecurringRule) schedule.Spec {
	return schedule.Spec{
		Frequency:      rule.Frequency,
		Interval:       rule.Interval,
		DayOfWeek:      rule.DayOfWeek,
		DayOfMonth:     rule.DayOfMonth,
		CronExpression: rule.CronExpression,
	}
}

func mustMarshalSpawnPayload(parentID, spawnedID string, next time.Time) json.RawMessage {
	data, _ := json.Marshal(contracts.RecurrenceSpawnPayload{
		ParentTaskID:  parentID,
		SpawnedTaskID: spawnedID,
		NextTriggerAt: next,
	})
	return data
}
