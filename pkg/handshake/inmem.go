package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/ace-han/social-auth/pkg/errs"
)

// InMemoryStore implements Store using in-memory storage. Suitable for a
// single-process deployment and for tests.
type InMemoryStore struct {
	states    map[string]*State
	ttl       time.Duration
	now       func() time.Time
	tokenFunc func() (string, error)
	mutex     sync.Mutex
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithTTL sets the state lifetime.
func WithTTL(ttl time.Duration) InMemoryOption {
	return func(s *InMemoryStore) {
		s.ttl = ttl
	}
}

// WithClock sets the time source, used by tests to force expiry.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// WithTokenFunc sets the token generator, used by tests to force collisions.
func WithTokenFunc(tokenFunc func() (string, error)) InMemoryOption {
	return func(s *InMemoryStore) {
		s.tokenFunc = tokenFunc
	}
}

// NewInMemoryStore creates a new in-memory correlation store.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		states:    make(map[string]*State),
		ttl:       DefaultTTL,
		now:       time.Now,
		tokenFunc: NewToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create generates a fresh token and an empty state record, rejecting a
// collision with any live token.
func (s *InMemoryStore) Create(ctx context.Context) (string, error) {
	token, err := s.tokenFunc()
	if err != nil {
		return "", errs.Wrap(err, errs.ErrCodeInternal, "failed to generate state token")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, exists := s.states[token]; exists && !s.expired(existing) {
		return "", errs.Newf(errs.ErrCodeAlreadyExists, "state token collision")
	}
	s.states[token] = &State{
		Extra:     make(map[string]string),
		CreatedAt: s.now(),
	}
	return token, nil
}

// Get returns the live state under token.
func (s *InMemoryStore) Get(ctx context.Context, token string) (*State, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state, exists := s.states[token]
	if !exists || s.expired(state) {
		return nil, errs.NotFound("handshake state", token)
	}

	stateCopy := *state
	stateCopy.Extra = make(map[string]string, len(state.Extra))
	for k, v := range state.Extra {
		stateCopy.Extra[k] = v
	}
	return &stateCopy, nil
}

// Set stores one extra key/value pair on the state.
func (s *InMemoryStore) Set(ctx context.Context, token, key, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state, exists := s.states[token]
	if !exists || s.expired(state) {
		return errs.NotFound("handshake state", token)
	}
	state.Extra[key] = value
	return nil
}

// SetRedirectURI stores the post-login redirect URI on the state.
func (s *InMemoryStore) SetRedirectURI(ctx context.Context, token, redirectURI string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state, exists := s.states[token]
	if !exists || s.expired(state) {
		return errs.NotFound("handshake state", token)
	}
	state.RedirectURI = redirectURI
	return nil
}

// Delete consumes the token. Deleting an absent token is a no-op.
func (s *InMemoryStore) Delete(ctx context.Context, token string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.states, token)
	return nil
}

// CleanupExpired removes expired states. Useful as a periodic task.
func (s *InMemoryStore) CleanupExpired() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for token, state := range s.states {
		if s.expired(state) {
			delete(s.states, token)
		}
	}
}

func (s *InMemoryStore) expired(state *State) bool {
	return s.now().After(state.CreatedAt.Add(s.ttl))
}
