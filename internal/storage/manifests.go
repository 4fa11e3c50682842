package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// UpsertManifest stores a submission manifest keyed by contract version.
// Re-submission of the same committed version replaces its manifest rather
// than duplicating it.
func (db *DB) UpsertManifest(ctx context.Context, m model.SubmissionManifest) error {
	docsJSON, err := json.Marshal(m.Documents)
	if err != nil {
		return fmt.Errorf("storage: marshal manifest documents: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO submission_manifests
		   (run_id, project_id, cycle_no, user_id, contract_version_id, contract_version_number,
		    submitted_at, documents, packet_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		 ON CONFLICT (contract_version_id) DO UPDATE SET
		   run_id = EXCLUDED.run_id,
		   user_id = EXCLUDED.user_id,
		   submitted_at = EXCLUDED.submitted_at,
		   documents = EXCLUDED.documents,
		   packet_hash = EXCLUDED.packet_hash`,
		m.RunID, m.ProjectID, m.CycleNo, m.UserID, m.ContractVersionID,
		m.ContractVersionNumber, m.SubmittedAt, docsJSON, m.PacketHash,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert manifest: %w", err)
	}
	return nil
}

// GetManifest retrieves the submission manifest of a contract version.
func (db *DB) GetManifest(ctx context.Context, contractVersionID uuid.UUID) (model.SubmissionManifest, error) {
	var (
		m        model.SubmissionManifest
		docsJSON []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, project_id, cycle_no, user_id, contract_version_id, contract_version_number,
		        submitted_at, documents, packet_hash
		 FROM submission_manifests WHERE contract_version_id = $1`, contractVersionID,
	).Scan(&m.RunID, &m.ProjectID, &m.CycleNo, &m.UserID, &m.ContractVersionID,
		&m.ContractVersionNumber, &m.SubmittedAt, &docsJSON, &m.PacketHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SubmissionManifest{}, ErrNotFound
		}
		return model.SubmissionManifest{}, fmt.Errorf("storage: get manifest: %w", err)
	}
	if err := json.Unmarshal(docsJSON, &m.Documents); err != nil {
		return model.SubmissionManifest{}, fmt.Errorf("storage: unmarshal manifest documents: %w", err)
	}
	return m, nil
}

// StoreArchive persists a submission archive at its deterministic path.
// Uploads never overwrite: a second write to the same path returns
// ErrPathOccupied and leaves the stored object untouched.
func (db *DB) StoreArchive(ctx context.Context, bucket, path string, contents []byte) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO submission_archives (bucket, path, contents, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bucket, path) DO NOTHING`,
		bucket, path, contents, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: store archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPathOccupied
	}
	return nil
}

// GetArchive retrieves a stored submission archive.
func (db *DB) GetArchive(ctx context.Context, bucket, path string) ([]byte, error) {
	var contents []byte
	err := db.pool.QueryRow(ctx,
		`SELECT contents FROM submission_archives WHERE bucket = $1 AND path = $2`, bucket, path,
	).Scan(&contents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get archive: %w", err)
	}
	return contents, nil
}
