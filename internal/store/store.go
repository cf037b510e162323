// Package store defines the persistence contracts for projects, activities
// and users. The lifecycle service only sees these interfaces; the in-memory
// backend lives here and a durable sqlite backend lives in store/sqlite.
package store

import (
	"context"

	"modelbay/internal/domain"
)

// DefaultRecentLimit caps the cross-project activity feed when no limit is
// given.
const DefaultRecentLimit = 10

// ProjectStore is the keyed project repository.
type ProjectStore interface {
	// CreateProject inserts the project and its "created" activity as one
	// atomic unit.
	CreateProject(ctx context.Context, p domain.Project, act domain.Activity) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	// ListProjects returns every project; insertion order is acceptable.
	ListProjects(ctx context.Context) ([]domain.Project, error)
	// ListProjectsByParticipant matches buyer_email or seller_email.
	ListProjectsByParticipant(ctx context.Context, email string) ([]domain.Project, error)
	// UpdateProject shallow-merges the patch and bumps updated_at. Returns
	// domain.ErrNotFound for an unknown id.
	UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) (domain.Project, error)
	// Transition applies the patch and appends the activity atomically; on
	// any failure the project record is unchanged.
	Transition(ctx context.Context, id string, patch domain.ProjectPatch, act domain.Activity) (domain.Project, error)
}

// ActivityStore reads the append-only log. Writes happen through
// CreateProject / Transition so they stay coupled to their project mutation.
type ActivityStore interface {
	// ListActivities returns a project's log, most recent first, ties broken
	// stably.
	ListActivities(ctx context.Context, projectID string) ([]domain.Activity, error)
	// ListRecentActivities is the cross-project feed, most recent first,
	// truncated to limit (DefaultRecentLimit when limit <= 0).
	ListRecentActivities(ctx context.Context, limit int) ([]domain.Activity, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
}

// Store is the full persistence surface the service depends on.
type Store interface {
	ProjectStore
	ActivityStore
	UserStore
	Close() error
}
