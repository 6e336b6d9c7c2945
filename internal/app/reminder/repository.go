package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository reads and transitions rows in the shared reminders table. The
// task API inserts them; this consumer owns the status transitions.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) Upsert(ctx context.Context, rem Reminder) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reminders (reminder_id, task_id, user_id, trigger_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (reminder_id) DO NOTHING`,
		rem.ID, rem.TaskID, rem.UserID, rem.TriggerAt, rem.Status)
	if err != nil {
		return fmt.Errorf("upsert reminder: %w", err)
	}
	return nil
}

func (r *PgRepository) DuePending(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT reminder_id, task_id, user_id, trigger_at, status
		FROM reminders
		WHERE status = 'pending' AND trigger_at <= $1
		ORDER BY trigger_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var due []Reminder
	for rows.Next() {
		var rem Reminder
		if err := rows.Scan(&rem.ID, &rem.TaskID, &rem.UserID, &rem.TriggerAt, &rem.Status); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		due = append(due, rem)
	}
	return due, rows.Err()
}

func (r *PgRepository) MarkTriggered(ctx context.Context, reminderID string) (bool, error) {
	return r.transition(ctx, reminderID, StatusTriggered)
}

func (r *PgRepository) Cancel(ctx context.Context, reminderID string) (bool, error) {
	return r.transition(ctx, reminderID, StatusCancelled)
}

// transition is the only write path out of pending; the WHERE clause makes
// the state machine race-safe under concurrent sweeps.
func (r *PgRepository) transition(ctx context.Context, reminderID, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reminders
		SET status = $2
		WHERE reminder_id = $1 AND status = 'pending'`,
		reminderID, to)
	if err != nil {
		return false, fmt.Errorf("transition reminder to %s: %w", to, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) NextPending(ctx context.Context) (time.Time, bool, error) {
	var next time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT trigger_at FROM reminders
		WHERE status = 'pending'
		ORDER BY trigger_at
		LIMIT 1`).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next pending reminder: %w", err)
	}
	return next, true, nil
}

// PgTaskLookup checks task liveness against the shared tasks table.
type PgTaskLookup struct {
	pool *pgxpool.Pool
}

func NewPgTaskLookup(pool *pgxpool.Pool) *PgTaskLookup {
	return &PgTaskLookup{pool: pool}
}

func (l *PgTaskLookup) TaskExists(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks WHERE task_id = $1 AND deleted_at IS NULL
		)`, taskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("task lookup: %w", err)
	}
	return exists, nil
}
