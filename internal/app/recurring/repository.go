package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository works against the shared recurring_rules table. The task API
// creates rules; this consumer advances and retires them.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const ruleColumns = `rule_id, task_id, user_id, frequency, "interval",
	day_of_week, day_of_month, cron_expression, next_trigger_at, is_active`

func (r *PgRepository) Upsert(ctx context.Context, rule Rule) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recurring_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO NOTHING`,
		rule.ID, rule.TaskID, rule.UserID, rule.Frequency, rule.Interval,
		rule.DayOfWeek, rule.DayOfMonth, rule.CronExpression,
		rule.NextTriggerAt, rule.IsActive)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

func (r *PgRepository) DueActive(ctx context.Context, now time.Time, limit int) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM recurring_rules
		WHERE is_active AND next_trigger_at <= $1
		ORDER BY next_trigger_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due rules: %w", err)
	}
	defer rows.Close()

	var due []Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.ID, &rule.TaskID, &rule.UserID, &rule.Frequency,
			&rule.Interval, &rule.DayOfWeek, &rule.DayOfMonth, &rule.CronExpression,
			&rule.NextTriggerAt, &rule.IsActive); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		due = append(due, rule)
	}
	return due, rows.Err()
}

func (r *PgRepository) AdvanceNextTrigger(ctx context.Context, ruleID string, from, to time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE recurring_rules
		SET next_trigger_at = $3, updated_at = NOW()
		WHERE rule_id = $1 AND next_trigger_at = $2 AND is_active`,
		ruleID, from, to)
	if err != nil {
		return false, fmt.Errorf("advance rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) Deactivate(ctx context.Context, taskID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE recurring_rules
		SET is_active = FALSE, updated_at = NOW()
		WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	return nil
}

func (r *PgRepository) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT next_trigger_at FROM recurring_rules
		WHERE is_active
		ORDER BY next_trigger_at
		LIMIT 1`).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next due rule: %w", err)
	}
	return next, true, nil
}

// PgParentLookup reads spawn templates from the shared tasks table.
type PgParentLookup struct {
	pool *pgxpool.Pool
}

func NewPgParentLookup(pool *pgxpool.Pool) *PgParentLookup {
	return &PgParentLookup{pool: pool}
}

func (l *PgParentLookup) ParentTask(ctx context.Context, taskID string) (SpawnTemplate, bool, error) {
	var tpl SpawnTemplate
	err := l.pool.QueryRow(ctx, `
		SELECT user_id, title, description, priority, tags
		FROM tasks
		WHERE task_id = $1 AND deleted_at IS NULL`, taskID).
		Scan(&tpl.UserID, &tpl.Title, &tpl.Description, &tpl.Priority, &tpl.Tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return SpawnTemplate{}, false, nil
	}
	if err != nil {
		return SpawnTemplate{}, false, fmt.Errorf("parent task lookup: %w", err)
	}
	return tpl, true, nil
}
