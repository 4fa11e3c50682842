package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIKey is a stored credential. The raw key is never persisted; only its
// Argon2id hash, plus a short prefix used as an O(1) pre-filter before the
// expensive hash verification.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	Prefix    string     `json:"prefix"`
	KeyHash   string     `json:"-"`
	UserID    uuid.UUID  `json:"user_id"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// CreateAPIKey inserts a new API key.
func (db *DB) CreateAPIKey(ctx context.Context, key APIKey) (APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, user_id, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Prefix, key.KeyHash, key.UserID, key.Label, key.CreatedAt,
	)
	if err != nil {
		return APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefix looks up a single active API key by prefix.
// Returns ErrNotFound if no matching active key exists.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, prefix string) (APIKey, error) {
	var k APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, user_id, label, created_at, revoked_at
		 FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`, prefix,
	).Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.UserID, &k.Label, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}
