// Package authz enforces per-project ownership. Lookups are cached with a
// short TTL so hot paths (every project-scoped request) do not hit the
// database twice.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/storage"
)

// ErrNotFound is returned when the project does not exist.
var ErrNotFound = errors.New("authz: project not found")

// ErrForbidden is returned when the project exists but belongs to another user.
var ErrForbidden = errors.New("authz: project forbidden")

// ProjectStore is the lookup the checker needs. *storage.DB satisfies it.
type ProjectStore interface {
	GetProject(ctx context.Context, id uuid.UUID) (model.Project, error)
}

// Checker resolves and caches project ownership.
type Checker struct {
	db    ProjectStore
	cache *gocache.Cache
}

// NewChecker creates a Checker with the given cache TTL.
func NewChecker(db ProjectStore, ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Checker{
		db:    db,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// RequireOwner verifies that userID owns projectID.
// Returns ErrNotFound, ErrForbidden, or nil.
func (c *Checker) RequireOwner(ctx context.Context, userID, projectID uuid.UUID) error {
	owner, err := c.ownerOf(ctx, projectID)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForbidden
	}
	return nil
}

func (c *Checker) ownerOf(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	key := projectID.String()
	if v, ok := c.cache.Get(key); ok {
		return v.(uuid.UUID), nil
	}

	project, err := c.db.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("authz: resolve project owner: %w", err)
	}

	c.cache.SetDefault(key, project.OwnerUserID)
	return project.OwnerUserID, nil
}

// Invalidate drops a cached ownership entry (e.g., after project deletion).
func (c *Checker) Invalidate(projectID uuid.UUID) {
	c.cache.Delete(projectID.String())
}
