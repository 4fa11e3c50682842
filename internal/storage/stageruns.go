package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// RecordStageRun appends one stage-run audit row. Stage runs are append-only;
// one row is written per stage attempt, in stage order, giving a total order
// per run usable for audit replay.
func (db *DB) RecordStageRun(ctx context.Context, run model.StageRun) (model.StageRun, error) {
	run.ID = uuid.New()
	run.CreatedAt = time.Now().UTC()
	if run.Details == nil {
		run.Details = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO stage_runs (id, project_id, cycle_no, stage, status, details, input_fingerprint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.ProjectID, run.CycleNo, string(run.Stage), string(run.Status),
		run.Details, run.InputFingerprint, run.CreatedAt,
	)
	if err != nil {
		return model.StageRun{}, fmt.Errorf("storage: record stage run: %w", err)
	}
	return run, nil
}

// ListStageRuns returns the stage-run audit trail for a cycle, oldest first.
func (db *DB) ListStageRuns(ctx context.Context, projectID uuid.UUID, cycleNo int, limit int) ([]model.StageRun, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, cycle_no, stage, status, details, input_fingerprint, created_at
		 FROM stage_runs WHERE project_id = $1 AND cycle_no = $2
		 ORDER BY created_at ASC, id ASC LIMIT $3`, projectID, cycleNo, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stage runs: %w", err)
	}
	defer rows.Close()

	var runs []model.StageRun
	for rows.Next() {
		var (
			r      model.StageRun
			stage  string
			status string
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.CycleNo, &stage, &status, &r.Details, &r.InputFingerprint, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan stage run: %w", err)
		}
		r.Stage = model.Stage(stage)
		r.Status = model.StageStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
