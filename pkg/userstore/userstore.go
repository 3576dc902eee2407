// Package userstore defines the persistent storage collaborator consumed by
// the identity-resolution pipeline: local user accounts and their links to
// remote stable identifiers. The module does not own a datastore; deployments
// plug in one of the provided implementations or their own.
package userstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is a local application account.
type User struct {
	ID               uuid.UUID
	Username         string
	Email            string
	Active           bool
	LastLoginBackend string
	LastLoginAt      time.Time
	CreatedAt        time.Time
}

// Association links a local user to the stable identifier a backend reported
// for the remote account.
type Association struct {
	UserID    uuid.UUID
	Backend   string
	StableID  string
	CreatedAt time.Time
}

// Store is the storage collaborator contract.
type Store interface {
	// FindByStableID returns the user linked to (backend, stableID), or a
	// NOT_FOUND error when no link exists.
	FindByStableID(ctx context.Context, backend, stableID string) (User, error)

	// FindByUsername returns the user with the given username, or a
	// NOT_FOUND error.
	FindByUsername(ctx context.Context, username string) (User, error)

	// GetByID returns the user with the given ID, or a NOT_FOUND error.
	GetByID(ctx context.Context, id uuid.UUID) (User, error)

	// Create persists a new user. A zero ID is assigned; an existing
	// username is rejected.
	Create(ctx context.Context, user User) (User, error)

	// Link associates (backend, stableID) with the user. Linking the same
	// pair twice is rejected.
	Link(ctx context.Context, userID uuid.UUID, backend, stableID string) error

	// RecordLogin stores which backend performed the most recent login.
	RecordLogin(ctx context.Context, userID uuid.UUID, backend string) error
}
