package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/userstore"
)

func newTestEngine(settings backend.Settings) (*Engine, *userstore.InMemoryStore, *InMemoryPartialStore) {
	users := userstore.NewInMemoryStore()
	partials := NewInMemoryPartialStore()
	engine := NewEngine(DefaultRegistry(), users, partials, settings)
	return engine, users, partials
}

func runInput() RunInput {
	return RunInput{
		BackendName: "acme",
		Identity:    &backend.RemoteIdentity{AccessToken: "at-1"},
		Profile:     backend.Profile{"email": "alice@example.com"},
		Key:         backend.IdentityKey{Username: "alice", StableID: "u-42"},
	}
}

func TestRunCreatesNewUser(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	result := engine.Run(ctx, runInput())
	require.Equal(t, StatusDone, result.Status)
	require.NotNil(t, result.User)
	assert.True(t, result.IsNew)
	assert.True(t, result.LoggedIn)
	assert.Equal(t, "alice", result.User.Username)

	// identity linked and login recorded
	linked, err := users.FindByStableID(ctx, "acme", "u-42")
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, linked.ID)
	assert.Equal(t, "acme", linked.LastLoginBackend)
}

func TestRunReturningUser(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	existing, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)
	require.NoError(t, users.Link(ctx, existing.ID, "acme", "u-42"))

	result := engine.Run(ctx, runInput())
	require.Equal(t, StatusDone, result.Status)
	assert.False(t, result.IsNew)
	assert.True(t, result.LoggedIn)
	assert.Equal(t, existing.ID, result.User.ID)
}

func TestRunAttachesToCurrentUser(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	current, err := users.Create(ctx, userstore.User{Username: "bob", Active: true})
	require.NoError(t, err)

	input := runInput()
	input.CurrentUser = &current
	result := engine.Run(ctx, input)
	require.Equal(t, StatusDone, result.Status)
	assert.Equal(t, current.ID, result.User.ID)

	linked, err := users.FindByStableID(ctx, "acme", "u-42")
	require.NoError(t, err)
	assert.Equal(t, current.ID, linked.ID)
}

func TestRunRefusesIdentityLinkedElsewhere(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	owner, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)
	require.NoError(t, users.Link(ctx, owner.ID, "acme", "u-42"))

	other, err := users.Create(ctx, userstore.User{Username: "bob", Active: true})
	require.NoError(t, err)

	input := runInput()
	input.CurrentUser = &other
	result := engine.Run(ctx, input)
	require.Equal(t, StatusRejected, result.Status)
	assert.True(t, errs.IsCode(result.Err, errs.ErrCodePipelineRejected))
}

func TestRunSuspendsOnUsernameConflict(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	// same username, no association
	_, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	result := engine.Run(ctx, runInput())
	require.Equal(t, StatusPartial, result.Status)
	assert.NotEmpty(t, result.PartialToken)
	assert.Equal(t, "alice", result.Prompt["username"])
}

func TestResumeWithConfirmedAssociation(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	existing, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	suspended := engine.Run(ctx, runInput())
	require.Equal(t, StatusPartial, suspended.Status)

	result := engine.Resume(ctx, suspended.PartialToken, map[string]interface{}{"associate": "true"})
	require.Equal(t, StatusDone, result.Status)
	assert.False(t, result.IsNew)
	assert.True(t, result.LoggedIn)
	assert.Equal(t, existing.ID, result.User.ID)

	linked, err := users.FindByStableID(ctx, "acme", "u-42")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, linked.ID)
}

func TestResumeWithoutConfirmationRejected(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	_, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	suspended := engine.Run(ctx, runInput())
	require.Equal(t, StatusPartial, suspended.Status)

	result := engine.Resume(ctx, suspended.PartialToken, map[string]interface{}{"associate": "false"})
	require.Equal(t, StatusRejected, result.Status)
	assert.True(t, errs.IsCode(result.Err, errs.ErrCodePipelineRejected))
}

func TestPartialTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	_, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	suspended := engine.Run(ctx, runInput())
	require.Equal(t, StatusPartial, suspended.Status)

	first := engine.Resume(ctx, suspended.PartialToken, map[string]interface{}{"associate": "true"})
	require.Equal(t, StatusDone, first.Status)

	second := engine.Resume(ctx, suspended.PartialToken, map[string]interface{}{"associate": "true"})
	require.Equal(t, StatusRejected, second.Status)
	assert.True(t, errs.IsCode(second.Err, errs.ErrCodeNotFound))
}

func TestPartialTokenConsumedEvenWhenResumeRejects(t *testing.T) {
	ctx := context.Background()
	engine, users, partials := newTestEngine(backend.Settings{})

	_, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	suspended := engine.Run(ctx, runInput())
	require.Equal(t, StatusPartial, suspended.Status)

	rejected := engine.Resume(ctx, suspended.PartialToken, map[string]interface{}{"associate": "false"})
	require.Equal(t, StatusRejected, rejected.Status)

	_, err = partials.Load(ctx, suspended.PartialToken)
	assert.True(t, errs.IsNotFound(err))
}

func TestSuspendedProgressOmitsCredentials(t *testing.T) {
	ctx := context.Background()
	engine, users, partials := newTestEngine(backend.Settings{})

	_, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	input := runInput()
	input.Profile = backend.Profile{
		"email":        "alice@example.com",
		"access_token": "at-1",
		"session_key":  "sk-1",
	}
	suspended := engine.Run(ctx, input)
	require.Equal(t, StatusPartial, suspended.Status)

	progress, err := partials.Load(ctx, suspended.PartialToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", progress.Profile.String("email"))
	assert.NotContains(t, progress.Profile, "access_token")
	assert.NotContains(t, progress.Profile, "session_key")
}

func TestResumeUnknownToken(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(backend.Settings{})

	result := engine.Resume(ctx, "no-such-token", nil)
	require.Equal(t, StatusRejected, result.Status)
	assert.True(t, errs.IsCode(result.Err, errs.ErrCodeNotFound))
}

func TestAutoAssociateSkipsSuspension(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{SettingAutoAssociate: true})

	existing, err := users.Create(ctx, userstore.User{Username: "alice", Active: true})
	require.NoError(t, err)

	result := engine.Run(ctx, runInput())
	require.Equal(t, StatusDone, result.Status)
	assert.Equal(t, existing.ID, result.User.ID)
}

func TestCreateUsersDisabled(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(backend.Settings{SettingCreateUsers: false})

	result := engine.Run(ctx, runInput())
	require.Equal(t, StatusRejected, result.Status)
	assert.True(t, errs.IsCode(result.Err, errs.ErrCodePipelineRejected))
}

func TestInactiveUserCompletesWithoutLogin(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	inactive, err := users.Create(ctx, userstore.User{Username: "alice", Active: false})
	require.NoError(t, err)
	require.NoError(t, users.Link(ctx, inactive.ID, "acme", "u-42"))

	result := engine.Run(ctx, runInput())
	require.Equal(t, StatusDone, result.Status)
	assert.False(t, result.LoggedIn)

	got, err := users.GetByID(ctx, inactive.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastLoginBackend)
}

func TestInactiveUserLoginEnabled(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{SettingInactiveUserLogin: true})

	inactive, err := users.Create(ctx, userstore.User{Username: "alice", Active: false})
	require.NoError(t, err)
	require.NoError(t, users.Link(ctx, inactive.ID, "acme", "u-42"))

	result := engine.Run(ctx, runInput())
	require.Equal(t, StatusDone, result.Status)
	assert.True(t, result.LoggedIn)
}

func TestStepOrdering(t *testing.T) {
	registry := NewRegistry().
		AddStep(&RecordLoginStep{}).
		AddStep(&LookupAssociationStep{}).
		AddStep(&CreateUserStep{})

	steps := registry.OrderedSteps()
	require.Len(t, steps, 3)
	assert.Equal(t, "lookup_association", steps[0].Name())
	assert.Equal(t, "create_user", steps[1].Name())
	assert.Equal(t, "record_login", steps[2].Name())
}

func TestEmailForNewUserFromProfile(t *testing.T) {
	ctx := context.Background()
	engine, users, _ := newTestEngine(backend.Settings{})

	input := runInput()
	input.Profile = backend.Profile{"email": "real@example.com"}
	result := engine.Run(ctx, input)
	require.Equal(t, StatusDone, result.Status)

	got, err := users.GetByID(ctx, result.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "real@example.com", got.Email)
}

func TestEmailForNewUserFromStableID(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(backend.Settings{})

	input := runInput()
	input.Profile = backend.Profile{}
	input.Key = backend.IdentityKey{Username: "o-1", StableID: "o-1@qq.com"}
	result := engine.Run(ctx, input)
	require.Equal(t, StatusDone, result.Status)
	assert.Equal(t, "o-1@qq.com", result.User.Email)
}
