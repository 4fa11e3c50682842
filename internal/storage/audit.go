package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one append-only audit trail entry for a mutation outside the
// stage pipeline (version commits, submissions).
type AuditEvent struct {
	ID        uuid.UUID      `json:"id"`
	ProjectID uuid.UUID      `json:"project_id"`
	CycleNo   int            `json:"cycle_no"`
	UserID    uuid.UUID      `json:"user_id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecordAuditEvent appends an audit event. Failures are returned to the
// caller; audit writes are part of the commit path, not best-effort.
func (db *DB) RecordAuditEvent(ctx context.Context, ev AuditEvent) error {
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_events (id, project_id, cycle_no, user_id, action, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), ev.ProjectID, ev.CycleNo, ev.UserID, ev.Action, ev.Details, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: record audit event: %w", err)
	}
	return nil
}
