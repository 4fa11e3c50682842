package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// UpsertDecision inserts or replaces the decision item for a key within a
// cycle. Locked items are frozen: an upsert against a locked row is a no-op
// and returns the stored row.
func (db *DB) UpsertDecision(ctx context.Context, item model.DecisionItem) (model.DecisionItem, error) {
	now := time.Now().UTC()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO decision_items
		   (id, project_id, cycle_no, decision_key, claim, status, decision_state,
		    evidence_refs, lock_state, has_conflict, conflict_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 ON CONFLICT (project_id, cycle_no, decision_key) DO UPDATE SET
		   claim = EXCLUDED.claim,
		   status = EXCLUDED.status,
		   decision_state = EXCLUDED.decision_state,
		   evidence_refs = EXCLUDED.evidence_refs,
		   lock_state = EXCLUDED.lock_state,
		   has_conflict = EXCLUDED.has_conflict,
		   conflict_key = EXCLUDED.conflict_key,
		   updated_at = EXCLUDED.updated_at
		 WHERE decision_items.lock_state <> 'locked'`,
		item.ID, item.ProjectID, item.CycleNo, item.DecisionKey, item.Claim,
		string(item.Status), string(item.DecisionState), item.EvidenceRefs,
		string(item.LockState), item.HasConflict, item.ConflictKey, now,
	)
	if err != nil {
		return model.DecisionItem{}, fmt.Errorf("storage: upsert decision: %w", err)
	}

	return db.GetDecision(ctx, item.ProjectID, item.CycleNo, item.DecisionKey)
}

// GetDecision retrieves one decision item by key.
func (db *DB) GetDecision(ctx context.Context, projectID uuid.UUID, cycleNo int, key string) (model.DecisionItem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, project_id, cycle_no, decision_key, claim, status, decision_state,
		        evidence_refs, lock_state, has_conflict, conflict_key, created_at, updated_at
		 FROM decision_items
		 WHERE project_id = $1 AND cycle_no = $2 AND decision_key = $3`,
		projectID, cycleNo, key,
	)
	item, err := scanDecision(row)
	if err != nil {
		return model.DecisionItem{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return item, nil
}

// ListDecisions returns all decision items of a cycle ordered by decision_key.
func (db *DB) ListDecisions(ctx context.Context, projectID uuid.UUID, cycleNo int) ([]model.DecisionItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, cycle_no, decision_key, claim, status, decision_state,
		        evidence_refs, lock_state, has_conflict, conflict_key, created_at, updated_at
		 FROM decision_items
		 WHERE project_id = $1 AND cycle_no = $2
		 ORDER BY decision_key ASC`, projectID, cycleNo,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	var items []model.DecisionItem
	for rows.Next() {
		item, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (model.DecisionItem, error) {
	var (
		item          model.DecisionItem
		status        string
		decisionState string
		lockState     string
	)
	err := row.Scan(
		&item.ID, &item.ProjectID, &item.CycleNo, &item.DecisionKey, &item.Claim,
		&status, &decisionState, &item.EvidenceRefs, &lockState,
		&item.HasConflict, &item.ConflictKey, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return model.DecisionItem{}, err
	}
	item.Status = model.TrustLabel(status)
	item.DecisionState = model.DecisionState(decisionState)
	item.LockState = model.LockState(lockState)
	return item, nil
}
