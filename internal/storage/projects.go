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

// CreateProject inserts a new project owned by the given user.
func (db *DB) CreateProject(ctx context.Context, ownerUserID uuid.UUID, name string) (model.Project, error) {
	p := model.Project{
		ID:          uuid.New(),
		OwnerUserID: ownerUserID,
		Name:        name,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO projects (id, owner_user_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.OwnerUserID, p.Name, p.CreatedAt,
	)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: create project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (model.Project, error) {
	var p model.Project
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_user_id, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.OwnerUserID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Project{}, ErrNotFound
		}
		return model.Project{}, fmt.Errorf("storage: get project: %w", err)
	}
	return p, nil
}

// ListProjectsByOwner returns the user's projects, newest first.
func (db *DB) ListProjectsByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]model.Project, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_user_id, name, created_at
		 FROM projects WHERE owner_user_id = $1 ORDER BY created_at DESC`, ownerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.OwnerUserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
