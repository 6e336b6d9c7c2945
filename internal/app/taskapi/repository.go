package taskapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id       TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    title         TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    priority      TEXT NOT NULL DEFAULT 'medium',
    tags          TEXT[] NOT NULL DEFAULT '{}',
    completed     BOOLEAN NOT NULL DEFAULT FALSE,
    due_date      TIMESTAMPTZ,
    reminder_time TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    deleted_at    TIMESTAMPTZ
)`

const createTasksUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id) WHERE deleted_at IS NULL`

const createRemindersTableSQL = `
CREATE TABLE IF NOT EXISTS reminders (
    reminder_id TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    trigger_at  TIMESTAMPTZ NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    created_at  TIMESTAMPTZ NOT NULL
)`

const createRemindersDueIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (trigger_at) WHERE status = 'pending'`

const createRulesTableSQL = `
CREATE TABLE IF NOT EXISTS recurring_rules (
    rule_id         TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL UNIQUE,
    user_id         TEXT NOT NULL,
    frequency       TEXT NOT NULL,
    "interval"      INT NOT NULL DEFAULT 1,
    day_of_week     INT,
    day_of_month    INT,
    cron_expression TEXT NOT NULL DEFAULT '',
    next_trigger_at TIMESTAMPTZ NOT NULL,
    is_active       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createRulesDueIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_rules_due ON recurring_rules (next_trigger_at) WHERE is_active`

const taskColumns = `task_id, user_id, title, description, priority, tags,
	completed, due_date, reminder_time, created_at, updated_at`

// PgRepository persists tasks, reminders and recurrence rules. Deletes are
// soft: rows keep their history and queries filter on deleted_at.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		createTasksTableSQL,
		createTasksUserIndexSQL,
		createRemindersTableSQL,
		createRemindersDueIndexSQL,
		createRulesTableSQL,
		createRulesDueIndexSQL,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) InsertTask(ctx context.Context, task Task) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO NOTHING`,
		task.ID, task.UserID, task.Title, task.Description, task.Priority,
		task.Tags, task.Completed, task.DueDate, task.ReminderTime,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_id = $1 AND deleted_at IS NULL`, taskID)
	return scanTask(row)
}

func (r *PgRepository) UpdateTask(ctx context.Context, task Task) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET title = $3, description = $4, priority = $5, tags = $6,
		    completed = $7, due_date = $8, reminder_time = $9, updated_at = $10
		WHERE task_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		task.ID, task.UserID, task.Title, task.Description, task.Priority,
		task.Tags, task.Completed, task.DueDate, task.ReminderTime, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) SoftDeleteTask(ctx context.Context, taskID, userID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET deleted_at = $3, updated_at = $3
		WHERE task_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		taskID, userID, at)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) InsertReminder(ctx context.Context, reminder Reminder) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reminders (reminder_id, task_id, user_id, trigger_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reminder_id) DO NOTHING`,
		reminder.ID, reminder.TaskID, reminder.UserID, reminder.TriggerAt,
		reminder.Status, reminder.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (r *PgRepository) CancelPendingReminder(ctx context.Context, taskID, userID string) (Reminder, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE reminders
		SET status = 'cancelled'
		WHERE reminder_id = (
			SELECT reminder_id FROM reminders
			WHERE task_id = $1 AND user_id = $2 AND status = 'pending'
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING reminder_id, task_id, user_id, trigger_at, status, created_at`,
		taskID, userID)
	reminder, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNoPendingReminder
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("cancel reminder: %w", err)
	}
	return reminder, nil
}

func (r *PgRepository) CancelPendingReminders(ctx context.Context, taskID, userID string) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE reminders
		SET status = 'cancelled'
		WHERE task_id = $1 AND user_id = $2 AND status = 'pending'
		RETURNING reminder_id, task_id, user_id, trigger_at, status, created_at`,
		taskID, userID)
	if err != nil {
		return nil, fmt.Errorf("cancel reminders: %w", err)
	}
	defer rows.Close()

	var cancelled []Reminder
	for rows.Next() {
		reminder, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("cancel reminders: %w", err)
		}
		cancelled = append(cancelled, reminder)
	}
	return cancelled, rows.Err()
}

func (r *PgRepository) InsertRule(ctx context.Context, rule Rule) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recurring_rules
			(rule_id, task_id, user_id, frequency, "interval", day_of_week,
			 day_of_month, cron_expression, next_trigger_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
			frequency = EXCLUDED.frequency,
			"interval" = EXCLUDED."interval",
			day_of_week = EXCLUDED.day_of_week,
			day_of_month = EXCLUDED.day_of_month,
			cron_expression = EXCLUDED.cron_expression,
			next_trigger_at = EXCLUDED.next_trigger_at,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		rule.ID, rule.TaskID, rule.UserID, rule.Frequency, rule.Interval,
		rule.DayOfWeek, rule.DayOfMonth, rule.CronExpression,
		rule.NextTriggerAt, rule.IsActive)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (r *PgRepository) DeactivateRules(ctx context.Context, taskID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE recurring_rules
		SET is_active = FALSE, updated_at = NOW()
		WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("deactivate rules: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var task Task
	err := row.Scan(&task.ID, &task.UserID, &task.Title, &task.Description,
		&task.Priority, &task.Tags, &task.Completed, &task.DueDate,
		&task.ReminderTime, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

func scanReminder(row pgx.Row) (Reminder, error) {
	var reminder Reminder
	err := row.Scan(&reminder.ID, &reminder.TaskID, &reminder.UserID,
		&reminder.TriggerAt, &reminder.Status, &reminder.CreatedAt)
	if err != nil {
		return Reminder{}, err
	}
	return reminder, nil
}
