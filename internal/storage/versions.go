package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// versionNumberConstraint is the unique constraint closing the read-then-insert
// race on monotonic version numbers (see CommitVersion).
const versionNumberConstraint = "contract_versions_project_id_cycle_no_version_number_key"

// maxCommitAttempts bounds version-number retries when two runs commit
// concurrently with different fingerprints.
const maxCommitAttempts = 3

// FindVersionByFingerprint returns the latest committed version of a cycle
// whose input fingerprint matches, or ErrNotFound.
func (db *DB) FindVersionByFingerprint(ctx context.Context, projectID uuid.UUID, cycleNo int, fingerprint string) (model.ContractVersion, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, project_id, cycle_no, version_number, input_fingerprint, status, document_count, created_at
		 FROM contract_versions
		 WHERE project_id = $1 AND cycle_no = $2 AND input_fingerprint = $3
		 ORDER BY version_number DESC LIMIT 1`,
		projectID, cycleNo, fingerprint,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContractVersion{}, ErrNotFound
		}
		return model.ContractVersion{}, fmt.Errorf("storage: find version by fingerprint: %w", err)
	}
	return v, nil
}

// GetLatestVersion returns the highest-numbered committed version of a cycle,
// or ErrNotFound.
func (db *DB) GetLatestVersion(ctx context.Context, projectID uuid.UUID, cycleNo int) (model.ContractVersion, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, project_id, cycle_no, version_number, input_fingerprint, status, document_count, created_at
		 FROM contract_versions
		 WHERE project_id = $1 AND cycle_no = $2
		 ORDER BY version_number DESC LIMIT 1`,
		projectID, cycleNo,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContractVersion{}, ErrNotFound
		}
		return model.ContractVersion{}, fmt.Errorf("storage: get latest version: %w", err)
	}
	return v, nil
}

// CommitVersion persists a new contract version with its ten documents and
// claims, or returns the existing version unchanged when the fingerprint was
// already committed for this cycle (reused=true, no rows written).
//
// Version numbers are monotonic per (project, cycle). Assignment reads the
// current max and inserts at max+1; the unique constraint on
// (project_id, cycle_no, version_number) closes the concurrent-commit race,
// and the loser retries with a freshly read max.
func (db *DB) CommitVersion(ctx context.Context, projectID uuid.UUID, cycleNo int, fingerprint string, docs []model.GeneratedDoc) (model.ContractVersion, bool, error) {
	if existing, err := db.FindVersionByFingerprint(ctx, projectID, cycleNo, fingerprint); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.ContractVersion{}, false, err
	}

	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		version, err := db.insertVersion(ctx, projectID, cycleNo, fingerprint, docs)
		if err == nil {
			return version, false, nil
		}
		if IsUniqueViolation(err, versionNumberConstraint) {
			// Another run took this version number. A same-fingerprint run may
			// also have won; re-check before retrying with a fresh max.
			if existing, ferr := db.FindVersionByFingerprint(ctx, projectID, cycleNo, fingerprint); ferr == nil {
				return existing, true, nil
			}
			lastErr = err
			continue
		}
		return model.ContractVersion{}, false, err
	}
	return model.ContractVersion{}, false, fmt.Errorf("storage: commit version: retries exhausted: %w", lastErr)
}

func (db *DB) insertVersion(ctx context.Context, projectID uuid.UUID, cycleNo int, fingerprint string, docs []model.GeneratedDoc) (model.ContractVersion, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ContractVersion{}, fmt.Errorf("storage: begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	version := model.ContractVersion{
		ID:               uuid.New(),
		ProjectID:        projectID,
		CycleNo:          cycleNo,
		InputFingerprint: fingerprint,
		Status:           model.VersionCommitted,
		DocumentCount:    len(docs),
		CreatedAt:        time.Now().UTC(),
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO contract_versions
		   (id, project_id, cycle_no, version_number, input_fingerprint, status, document_count, created_at)
		 VALUES ($1, $2, $3,
		         (SELECT COALESCE(MAX(version_number) + 1, 1) FROM contract_versions WHERE project_id = $2 AND cycle_no = $3),
		         $4, $5, $6, $7)
		 RETURNING version_number`,
		version.ID, projectID, cycleNo, fingerprint,
		string(version.Status), version.DocumentCount, version.CreatedAt,
	).Scan(&version.VersionNumber)
	if err != nil {
		return model.ContractVersion{}, fmt.Errorf("storage: insert version: %w", err)
	}

	for _, doc := range docs {
		docID := uuid.New()
		_, err = tx.Exec(ctx,
			`INSERT INTO generated_docs (id, contract_version_id, role_id, title, body, is_complete, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			docID, version.ID, doc.RoleID, doc.Title, doc.Body, doc.IsComplete, version.CreatedAt,
		)
		if err != nil {
			return model.ContractVersion{}, fmt.Errorf("storage: insert doc role %d: %w", doc.RoleID, err)
		}
		for _, claim := range doc.Claims {
			_, err = tx.Exec(ctx,
				`INSERT INTO generated_claims (id, document_id, claim_index, claim_text, trust_label, provenance_refs)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				uuid.New(), docID, claim.ClaimIndex, claim.ClaimText, string(claim.TrustLabel), claim.ProvenanceRefs,
			)
			if err != nil {
				return model.ContractVersion{}, fmt.Errorf("storage: insert claim %d role %d: %w", claim.ClaimIndex, doc.RoleID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ContractVersion{}, fmt.Errorf("storage: commit version tx: %w", err)
	}
	return version, nil
}

// GetVersionDocuments returns the documents of a version ordered by role_id,
// with claims attached in claim_index order.
func (db *DB) GetVersionDocuments(ctx context.Context, versionID uuid.UUID) ([]model.GeneratedDoc, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, contract_version_id, role_id, title, body, is_complete, created_at
		 FROM generated_docs WHERE contract_version_id = $1
		 ORDER BY role_id ASC`, versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list docs: %w", err)
	}
	defer rows.Close()

	var docs []model.GeneratedDoc
	for rows.Next() {
		var d model.GeneratedDoc
		if err := rows.Scan(&d.ID, &d.ContractVersionID, &d.RoleID, &d.Title, &d.Body, &d.IsComplete, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan doc: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range docs {
		claims, err := db.listClaims(ctx, docs[i].ID)
		if err != nil {
			return nil, err
		}
		docs[i].Claims = claims
	}
	return docs, nil
}

func (db *DB) listClaims(ctx context.Context, documentID uuid.UUID) ([]model.GeneratedClaim, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, document_id, claim_index, claim_text, trust_label, provenance_refs
		 FROM generated_claims WHERE document_id = $1
		 ORDER BY claim_index ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list claims: %w", err)
	}
	defer rows.Close()

	var claims []model.GeneratedClaim
	for rows.Next() {
		var (
			c     model.GeneratedClaim
			label string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ClaimIndex, &c.ClaimText, &label, &c.ProvenanceRefs); err != nil {
			return nil, fmt.Errorf("storage: scan claim: %w", err)
		}
		c.TrustLabel = model.TrustLabel(label)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func scanVersion(row rowScanner) (model.ContractVersion, error) {
	var (
		v      model.ContractVersion
		status string
	)
	err := row.Scan(&v.ID, &v.ProjectID, &v.CycleNo, &v.VersionNumber,
		&v.InputFingerprint, &status, &v.DocumentCount, &v.CreatedAt)
	if err != nil {
		return model.ContractVersion{}, err
	}
	v.Status = model.VersionStatus(status)
	return v, nil
}
