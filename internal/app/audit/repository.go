package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id              BIGSERIAL PRIMARY KEY,
    user_id         TEXT NOT NULL,
    action          TEXT NOT NULL,
    entity_type     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    event_timestamp TIMESTAMPTZ NOT NULL,
    details         JSONB,
    idempotency_key TEXT NOT NULL UNIQUE,
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createAuditUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_audit_user_time ON audit_logs (user_id, event_timestamp DESC)`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createAuditTableSQL, createAuditUserIndexSQL} {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) Insert(ctx context.Context, entry Entry) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs
			(user_id, action, entity_type, entity_id, event_timestamp, details, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		entry.Timestamp, entry.Details, entry.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("insert audit entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, action, entity_type, entity_id, event_timestamp, details, idempotency_key
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY event_timestamp DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.UserID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.Timestamp, &entry.Details, &entry.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
