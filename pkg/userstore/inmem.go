package userstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ace-han/social-auth/pkg/errs"
)

type associationKey struct {
	backend  string
	stableID string
}

// InMemoryStore implements Store using in-memory storage. Suitable for tests
// and single-process demos.
type InMemoryStore struct {
	users        map[uuid.UUID]*User
	byUsername   map[string]uuid.UUID
	associations map[associationKey]uuid.UUID
	mutex        sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory user store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:        make(map[uuid.UUID]*User),
		byUsername:   make(map[string]uuid.UUID),
		associations: make(map[associationKey]uuid.UUID),
	}
}

// FindByStableID returns the user linked to (backend, stableID).
func (s *InMemoryStore) FindByStableID(ctx context.Context, backend, stableID string) (User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	userID, exists := s.associations[associationKey{backend: backend, stableID: stableID}]
	if !exists {
		return User{}, errs.NotFound("association", stableID)
	}
	return *s.users[userID], nil
}

// FindByUsername returns the user with the given username.
func (s *InMemoryStore) FindByUsername(ctx context.Context, username string) (User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	userID, exists := s.byUsername[username]
	if !exists {
		return User{}, errs.NotFound("user", username)
	}
	return *s.users[userID], nil
}

// GetByID returns the user with the given ID.
func (s *InMemoryStore) GetByID(ctx context.Context, id uuid.UUID) (User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return User{}, errs.NotFound("user", id.String())
	}
	return *user, nil
}

// Create persists a new user, assigning an ID when unset.
func (s *InMemoryStore) Create(ctx context.Context, user User) (User, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byUsername[user.Username]; exists {
		return User{}, errs.Newf(errs.ErrCodeAlreadyExists, "username already exists: %s", user.Username)
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	userCopy := user
	s.users[user.ID] = &userCopy
	s.byUsername[user.Username] = user.ID
	return user, nil
}

// Link associates (backend, stableID) with the user.
func (s *InMemoryStore) Link(ctx context.Context, userID uuid.UUID, backend, stableID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.users[userID]; !exists {
		return errs.NotFound("user", userID.String())
	}
	key := associationKey{backend: backend, stableID: stableID}
	if _, exists := s.associations[key]; exists {
		return errs.Newf(errs.ErrCodeAlreadyExists, "identity already linked: %s/%s", backend, stableID)
	}
	s.associations[key] = userID
	return nil
}

// RecordLogin stores which backend performed the most recent login.
func (s *InMemoryStore) RecordLogin(ctx context.Context, userID uuid.UUID, backend string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return errs.NotFound("user", userID.String())
	}
	user.LastLoginBackend = backend
	user.LastLoginAt = time.Now().UTC()
	return nil
}
