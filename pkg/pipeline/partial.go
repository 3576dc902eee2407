package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/errs"
)

// Progress is the persisted state of a suspended pipeline run, keyed by a
// single-use partial token.
type Progress struct {
	BackendName   string                 `json:"backend_name"`
	StepName      string                 `json:"step_name"`
	Profile       backend.Profile        `json:"profile"`
	Key           backend.IdentityKey    `json:"key"`
	CurrentUserID string                 `json:"current_user_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// PartialStore persists suspended pipeline progress until the run is resumed
// or discarded.
type PartialStore interface {
	// Save persists progress under a fresh token and returns the token.
	Save(ctx context.Context, progress Progress) (string, error)

	// Load returns the progress stored under token, or a NOT_FOUND error.
	Load(ctx context.Context, token string) (Progress, error)

	// Delete discards the token. Deleting an absent token is not an error.
	Delete(ctx context.Context, token string) error
}

// InMemoryPartialStore implements PartialStore using in-memory storage.
type InMemoryPartialStore struct {
	progress map[string]Progress
	mutex    sync.Mutex
}

// NewInMemoryPartialStore creates an empty in-memory partial store.
func NewInMemoryPartialStore() *InMemoryPartialStore {
	return &InMemoryPartialStore{progress: make(map[string]Progress)}
}

// Save persists progress under a fresh token.
func (s *InMemoryPartialStore) Save(ctx context.Context, progress Progress) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	token := uuid.New().String()
	progress.CreatedAt = time.Now().UTC()
	s.progress[token] = progress
	return token, nil
}

// Load returns the progress stored under token.
func (s *InMemoryPartialStore) Load(ctx context.Context, token string) (Progress, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	progress, exists := s.progress[token]
	if !exists {
		return Progress{}, errs.NotFound("pipeline token", token)
	}
	return progress, nil
}

// Delete discards the token.
func (s *InMemoryPartialStore) Delete(ctx context.Context, token string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.progress, token)
	return nil
}
