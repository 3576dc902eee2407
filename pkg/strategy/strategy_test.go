package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/handshake"
	"github.com/ace-han/social-auth/pkg/pipeline"
	"github.com/ace-han/social-auth/pkg/userstore"
)

// stubBackend is a backend with canned profile extraction and key derivation.
type stubBackend struct {
	name   string
	keyErr error
}

func (b *stubBackend) Name() string       { return b.name }
func (b *stubBackend) UsesRedirect() bool { return true }
func (b *stubBackend) AuthorizationURL(state, redirectURI string) (string, error) {
	return "https://provider.example.com/authorize?state=" + state, nil
}
func (b *stubBackend) ExchangeToken(ctx context.Context, params map[string]string) (*backend.RemoteIdentity, error) {
	return &backend.RemoteIdentity{AccessToken: "at-1"}, nil
}
func (b *stubBackend) ExtractProfile(identity *backend.RemoteIdentity) backend.Profile {
	return backend.Profile(identity.Raw)
}
func (b *stubBackend) DeriveIdentityKey(profile backend.Profile, settings backend.Settings) (backend.IdentityKey, error) {
	if b.keyErr != nil {
		return backend.IdentityKey{}, b.keyErr
	}
	return backend.IdentityKey{Username: "alice", StableID: "u-42"}, nil
}

func newTestStrategy(settings backend.Settings, requestData map[string]string) (*Strategy, handshake.Store) {
	store := handshake.NewInMemoryStore()
	users := userstore.NewInMemoryStore()
	engine := pipeline.NewEngine(pipeline.DefaultRegistry(), users, pipeline.NewInMemoryPartialStore(), settings)
	return New(settings, requestData, store, engine), store
}

func TestSetting(t *testing.T) {
	s, _ := newTestStrategy(backend.Settings{"EMAIL_HOST": "corp.example.com", "RETRIES": 3}, nil)

	v, err := s.Setting("EMAIL_HOST")
	require.NoError(t, err)
	assert.Equal(t, "corp.example.com", v)

	// non-string settings render through their default format
	v, err = s.Setting("RETRIES")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	_, err = s.Setting("MISSING")
	assert.True(t, errs.IsCode(err, errs.ErrCodeConfiguration))
}

func TestSessionRequiresBoundState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStrategy(backend.Settings{}, nil)

	assert.Error(t, s.SessionSet(ctx, "k", "v"))
	_, err := s.SessionGet(ctx, "k")
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, store := newTestStrategy(backend.Settings{}, nil)

	token, err := store.Create(ctx)
	require.NoError(t, err)
	s.BindState(token)
	assert.Equal(t, token, s.StateToken())

	require.NoError(t, s.SessionSet(ctx, "locale", "en"))

	v, err := s.SessionGet(ctx, "locale")
	require.NoError(t, err)
	assert.Equal(t, "en", v)

	// absent key is empty, not an error
	v, err = s.SessionGet(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestAuthenticateResolvesUser(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStrategy(backend.Settings{}, nil)

	result := s.Authenticate(ctx, &stubBackend{name: "acme"}, &backend.RemoteIdentity{
		AccessToken: "at-1",
		Raw:         map[string]interface{}{"email": "alice@example.com"},
	}, nil)
	require.Equal(t, pipeline.StatusDone, result.Status)
	assert.Equal(t, "alice", result.User.Username)
	assert.True(t, result.LoggedIn)
}

func TestAuthenticateKeyDerivationFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStrategy(backend.Settings{}, nil)

	b := &stubBackend{name: "acme", keyErr: errs.New(errs.ErrCodeProvider, "no stable id")}
	result := s.Authenticate(ctx, b, &backend.RemoteIdentity{Raw: map[string]interface{}{}}, nil)
	require.Equal(t, pipeline.StatusRejected, result.Status)
	assert.True(t, errs.IsCode(result.Err, errs.ErrCodePipelineRejected))
}

func TestResumePassesRequestData(t *testing.T) {
	ctx := context.Background()
	settings := backend.Settings{}
	store := handshake.NewInMemoryStore()
	users := userstore.NewInMemoryStore()
	engine := pipeline.NewEngine(pipeline.DefaultRegistry(), users, pipeline.NewInMemoryPartialStore(), settings)

	existing, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	suspended := engine.Run(ctx, pipeline.RunInput{
		BackendName: "acme",
		Profile:     backend.Profile{},
		Key:         backend.IdentityKey{Username: "alice", StableID: "u-42"},
	})
	require.Equal(t, pipeline.StatusPartial, suspended.Status)

	s := New(settings, map[string]string{"associate": "true"}, store, engine)
	result := s.Resume(ctx, suspended.PartialToken)
	require.Equal(t, pipeline.StatusDone, result.Status)
	assert.Equal(t, existing.ID, result.User.ID)
}
