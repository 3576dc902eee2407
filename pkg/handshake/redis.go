package handshake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ace-han/social-auth/pkg/errs"
)

const redisKeyPrefix = "social_auth:state:"

// RedisStore implements Store on Redis, for deployments where initiate and
// complete may land on different processes. Expiry is delegated to the Redis
// key TTL; Create relies on SETNX for the create-if-absent guarantee.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	tokenFunc func() (string, error)
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTTL sets the state lifetime.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisTokenFunc sets the token generator, used by tests to force
// collisions.
func WithRedisTokenFunc(tokenFunc func() (string, error)) RedisOption {
	return func(s *RedisStore) {
		s.tokenFunc = tokenFunc
	}
}

// NewRedisStore creates a Redis-backed correlation store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		ttl:       DefaultTTL,
		tokenFunc: NewToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(token string) string {
	return redisKeyPrefix + token
}

// Create generates a fresh token and stores an empty state record under it.
func (s *RedisStore) Create(ctx context.Context) (string, error) {
	token, err := s.tokenFunc()
	if err != nil {
		return "", errs.Wrap(err, errs.ErrCodeInternal, "failed to generate state token")
	}

	state := &State{
		Extra:     make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrCodeInternal, "failed to marshal handshake state")
	}

	created, err := s.client.SetNX(ctx, s.key(token), data, s.ttl).Result()
	if err != nil {
		return "", errs.Wrap(err, errs.ErrCodeInternal, "failed to store handshake state")
	}
	if !created {
		return "", errs.Newf(errs.ErrCodeAlreadyExists, "state token collision")
	}
	return token, nil
}

// Get returns the live state under token.
func (s *RedisStore) Get(ctx context.Context, token string) (*State, error) {
	val, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return nil, errs.NotFound("handshake state", token)
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeInternal, "failed to load handshake state")
	}

	var state State
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeInternal, "failed to unmarshal handshake state")
	}
	if state.Extra == nil {
		state.Extra = make(map[string]string)
	}
	return &state, nil
}

// Set stores one extra key/value pair on the state, preserving the TTL.
func (s *RedisStore) Set(ctx context.Context, token, key, value string) error {
	return s.update(ctx, token, func(state *State) {
		state.Extra[key] = value
	})
}

// SetRedirectURI stores the post-login redirect URI on the state.
func (s *RedisStore) SetRedirectURI(ctx context.Context, token, redirectURI string) error {
	return s.update(ctx, token, func(state *State) {
		state.RedirectURI = redirectURI
	})
}

// Delete consumes the token. Deleting an absent token is a no-op.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to delete handshake state")
	}
	return nil
}

func (s *RedisStore) update(ctx context.Context, token string, mutate func(*State)) error {
	state, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	mutate(state)

	data, err := json.Marshal(state)
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to marshal handshake state")
	}
	if err := s.client.Set(ctx, s.key(token), data, redis.KeepTTL).Err(); err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to store handshake state")
	}
	return nil
}
