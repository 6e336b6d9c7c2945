package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/schedule"
)

var (
	ErrTitleRequired     = errors.New("title is required")
	ErrNotFound          = errors.New("task not found")
	ErrNoPendingReminder = errors.New("no pending reminder for this task")
	ErrInvalidTriggerAt  = errors.New("trigger_at must be in the future")
	ErrInvalidRule       = errors.New("invalid recurring rule")
	ErrToolNameRequired  = errors.New("tool_name is required")
)

const (
	ReminderPending   = "pending"
	ReminderTriggered = "triggered"
	ReminderCancelled = "cancelled"
)

type Task struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Priority     string     `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	Completed    bool       `json:"completed"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ReminderTime *time.Time `json:"reminder_time,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Reminder struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	TriggerAt time.Time `json:"trigger_at"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Rule struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	UserID         string    `json:"user_id"`
	Frequency      string    `json:"frequency"`
	Interval       int       `json:"interval"`
	DayOfWeek      *int      `json:"day_of_week,omitempty"`
	DayOfMonth     *int      `json:"day_of_month,omitempty"`
	CronExpression string    `json:"cron_expression,omitempty"`
	NextTriggerAt  time.Time `json:"next_trigger_at"`
	IsActive       bool      `json:"is_active"`
}

type Repository interface {
	// InsertTask reports false when a task with the same ID already exists;
	// the existing row is left untouched.
	InsertTask(ctx context.Context, task Task) (bool, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	UpdateTask(ctx context.Context, task Task) error
	SoftDeleteTask(ctx context.Context, taskID, userID string, at time.Time) error
	InsertReminder(ctx context.Context, reminder Reminder) error
	CancelPendingReminder(ctx context.Context, taskID, userID string) (Reminder, error)
	CancelPendingReminders(ctx context.Context, taskID, userID string) ([]Reminder, error)
	InsertRule(ctx context.Context, rule Rule) error
	DeactivateRules(ctx context.Context, taskID string) error
}

// Publisher is the slice of the event producer the mutation service needs.
type Publisher interface {
	Publish(eventType contracts.EventType, entityID, userID string, payload any)
}

// Service owns task mutations. Every durable write is followed by a
// fire-and-forget event publish; the write path never waits on the bus.
type Service struct {
	Repo   Repository
	Events Publisher
	Now    func() time.Time
	NewID  func() string
}

func NewService(repo Repository, events Publisher) *Service {
	return &Service{
		Repo:   repo,
		Events: events,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  nuid.Next,
	}
}

type CreateTaskRequest struct {
	// TaskID, when set, pins the new task's identity. Automated callers (the
	// recurrence spawner) derive it deterministically so a replayed create
	// collapses onto the first one instead of inserting a second task.
	TaskID        string                   `json:"task_id,omitempty"`
	Title         string                   `json:"title"`
	Description   string                   `json:"description"`
	Priority      string                   `json:"priority"`
	Tags          []string                 `json:"tags"`
	DueDate       *time.Time               `json:"due_date"`
	ReminderTime  *time.Time               `json:"reminder_time"`
	RecurringRule *contracts.RecurringRule `json:"recurring_rule"`
}

type UpdateTaskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"due_date"`
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "low":
		return "low"
	case "high":
		return "high"
	default:
		return "medium"
	}
}

func (s *Service) CreateTask(ctx context.Context, userID string, req CreateTaskRequest) (Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return Task{}, ErrTitleRequired
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = s.NewID()
	}

	now := s.Now()
	task := Task{
		ID:           taskID,
		UserID:       userID,
		Title:        title,
		Description:  strings.TrimSpace(req.Description),
		Priority:     normalizePriority(req.Priority),
		Tags:         req.Tags,
		DueDate:      req.DueDate,
		ReminderTime: req.ReminderTime,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var rule Rule
	if req.RecurringRule != nil {
		spec := ruleSpec(*req.RecurringRule)
		next, err := schedule.Next(spec, now)
		if err != nil {
			return Task{}, ErrInvalidRule
		}
		rule = Rule{
			ID:             s.NewID(),
			TaskID:         task.ID,
			UserID:         userID,
			Frequency:      req.RecurringRule.Frequency,
			Interval:       req.RecurringRule.Interval,
			DayOfWeek:      req.RecurringRule.DayOfWeek,
			DayOfMonth:     req.RecurringRule.DayOfMonth,
			CronExpression: req.RecurringRule.CronExpression,
			NextTriggerAt:  next,
			IsActive:       true,
		}
	}

	inserted, err := s.Repo.InsertTask(ctx, task)
	if err != nil {
		return Task{}, err
	}
	if !inserted {
		// A task with this ID already exists: a replayed create. Hand back the
		// stored row and emit nothing; the first create already did. Ownership
		// still applies, so a colliding ID from another user reads as absent.
		return s.ownedTask(ctx, userID, task.ID)
	}
	if rule.ID != "" {
		if err := s.Repo.InsertRule(ctx, rule); err != nil {
			return Task{}, err
		}
	}

	s.Events.Publish(contracts.TaskCreated, task.ID, userID, taskEventPayload(task, req.RecurringRule))

	if req.ReminderTime != nil {
		if _, err := s.scheduleReminder(ctx, task, *req.ReminderTime); err != nil {
			// The task write already succeeded; surface the reminder failure
			// without unwinding the creation.
			return task, err
		}
	}
	return task, nil
}

func (s *Service) UpdateTask(ctx context.Context, userID, taskID string, req UpdateTaskRequest) (Task, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return Task{}, err
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return Task{}, ErrTitleRequired
		}
		task.Title = title
	}
	if req.Description != nil {
		task.Description = strings.TrimSpace(*req.Description)
	}
	if req.Priority != nil {
		task.Priority = normalizePriority(*req.Priority)
	}
	if req.Tags != nil {
		task.Tags = req.Tags
	}
	if req.DueDate != nil {
		task.DueDate = req.DueDate
	}
	task.UpdatedAt = s.Now()

	if err := s.Repo.UpdateTask(ctx, task); err != nil {
		return Task{}, err
	}
	s.Events.Publish(contracts.TaskUpdated, task.ID, userID, taskEventPayload(task, nil))
	return task, nil
}

func (s *Service) CompleteTask(ctx context.Context, userID, taskID string) (Task, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return Task{}, err
	}
	task.Completed = true
	task.UpdatedAt = s.Now()
	if err := s.Repo.UpdateTask(ctx, task); err != nil {
		return Task{}, err
	}
	s.Events.Publish(contracts.TaskCompleted, task.ID, userID, taskEventPayload(task, nil))
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, userID, taskID string) error {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return err
	}

	now := s.Now()
	if err := s.Repo.SoftDeleteTask(ctx, taskID, userID, now); err != nil {
		return err
	}
	cancelled, err := s.Repo.CancelPendingReminders(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if err := s.Repo.DeactivateRules(ctx, taskID); err != nil {
		return err
	}

	s.Events.Publish(contracts.TaskDeleted, task.ID, userID, taskEventPayload(task, nil))
	for _, reminder := range cancelled {
		s.Events.Publish(contracts.ReminderCancelled, reminder.ID, userID, contracts.ReminderPayload{
			TaskID:    reminder.TaskID,
			TriggerAt: reminder.TriggerAt,
		})
	}
	return nil
}

func (s *Service) GetTask(ctx context.Context, userID, taskID string) (Task, error) {
	return s.ownedTask(ctx, userID, taskID)
}

func (s *Service) CreateReminder(ctx context.Context, userID, taskID string, triggerAt time.Time) (Reminder, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return Reminder{}, err
	}
	if !triggerAt.After(s.Now()) {
		return Reminder{}, ErrInvalidTriggerAt
	}
	return s.scheduleReminder(ctx, task, triggerAt)
}

func (s *Service) scheduleReminder(ctx context.Context, task Task, triggerAt time.Time) (Reminder, error) {
	reminder := Reminder{
		ID:        s.NewID(),
		TaskID:    task.ID,
		UserID:    task.UserID,
		TriggerAt: triggerAt.UTC(),
		Status:    ReminderPending,
		CreatedAt: s.Now(),
	}
	if err := s.Repo.InsertReminder(ctx, reminder); err != nil {
		return Reminder{}, err
	}
	s.Events.Publish(contracts.ReminderScheduled, reminder.ID, task.UserID, contracts.ReminderPayload{
		TaskID:    task.ID,
		TriggerAt: reminder.TriggerAt,
	})
	return reminder, nil
}

func (s *Service) CancelReminder(ctx context.Context, userID, taskID string) (Reminder, error) {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return Reminder{}, err
	}
	reminder, err := s.Repo.CancelPendingReminder(ctx, taskID, userID)
	if err != nil {
		return Reminder{}, err
	}
	s.Events.Publish(contracts.ReminderCancelled, reminder.ID, userID, contracts.ReminderPayload{
		TaskID:    reminder.TaskID,
		TriggerAt: reminder.TriggerAt,
	})
	return reminder, nil
}

type ToolCallRequest struct {
	ToolName     string          `json:"tool_name"`
	EntityID     string          `json:"entity_id"`
	Arguments    json.RawMessage `json:"arguments"`
	ResultStatus string          `json:"result_status"`
	DurationMS   int64           `json:"duration_ms"`
}

// RecordToolCall publishes the AI tool invocation contract. Interpretation of
// the tool call happens upstream; only the emission lives here.
func (s *Service) RecordToolCall(ctx context.Context, userID string, req ToolCallRequest) error {
	if strings.TrimSpace(req.ToolName) == "" {
		return ErrToolNameRequired
	}
	entityID := req.EntityID
	if entityID == "" {
		entityID = "none"
	}
	s.Events.Publish(contracts.AIToolCalled, entityID, userID, contracts.ToolCallPayload{
		ToolName:     req.ToolName,
		Arguments:    req.Arguments,
		ResultStatus: req.ResultStatus,
		DurationMS:   req.DurationMS,
	})
	return nil
}

func (s *Service) ownedTask(ctx context.Context, userID, taskID string) (Task, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	// Cross-user access reads as absence, not as a permission hint.
	if task.UserID != userID {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func taskEventPayload(task Task, rule *contracts.RecurringRule) contracts.TaskPayload {
	return contracts.TaskPayload{
		Title:         task.Title,
		Description:   task.Description,
		Priority:      task.Priority,
		Tags:          task.Tags,
		Completed:     task.Completed,
		DueDate:       task.DueDate,
		ReminderTime:  task.ReminderTime,
		RecurringRule: rule,
	}
}

func ruleSpec(rule contracts.RecurringRule) schedule.Spec {
	return schedule.Spec{
		Frequency:      rule.Frequency,
		Interval:       rule.Interval,
		DayOfWeek:      rule.DayOfWeek,
		DayOfMonth:     rule.DayOfMonth,
		CronExpression: rule.CronExpression,
	}
}
