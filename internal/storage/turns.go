package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// AppendTurn inserts the next intake turn for a cycle. The turn index is
// assigned server-side from the current maximum; the unique constraint on
// (project_id, cycle_no, turn_index) makes concurrent appends retry.
func (db *DB) AppendTurn(ctx context.Context, projectID uuid.UUID, cycleNo int, rawText string) (model.IntakeTurn, error) {
	turn := model.IntakeTurn{
		ID:        uuid.New(),
		ProjectID: projectID,
		CycleNo:   cycleNo,
		RawText:   rawText,
		CreatedAt: time.Now().UTC(),
	}

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO intake_turns (id, project_id, cycle_no, turn_index, raw_text, created_at)
			 VALUES ($1, $2, $3,
			         (SELECT COALESCE(MAX(turn_index) + 1, 0) FROM intake_turns WHERE project_id = $2 AND cycle_no = $3),
			         $4, $5)
			 RETURNING turn_index`,
			turn.ID, projectID, cycleNo, rawText, turn.CreatedAt,
		).Scan(&turn.TurnIndex)
	})
	if err != nil {
		return model.IntakeTurn{}, fmt.Errorf("storage: append turn: %w", err)
	}
	return turn, nil
}

// ListTurns returns all intake turns of a cycle ordered by turn_index.
func (db *DB) ListTurns(ctx context.Context, projectID uuid.UUID, cycleNo int) ([]model.IntakeTurn, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, cycle_no, turn_index, raw_text, created_at
		 FROM intake_turns WHERE project_id = $1 AND cycle_no = $2
		 ORDER BY turn_index ASC`, projectID, cycleNo,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list turns: %w", err)
	}
	defer rows.Close()

	var turns []model.IntakeTurn
	for rows.Next() {
		var t model.IntakeTurn
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.CycleNo, &t.TurnIndex, &t.RawText, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
