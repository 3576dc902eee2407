// Package strategy provides the indirection layer between the orchestrator
// and the places configuration and correlation state physically live. Every
// other component reads settings and handshake session data through a
// Strategy, so provider backends and the pipeline stay free of knowledge
// about storage.
package strategy

import (
	"context"
	"fmt"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/handshake"
	"github.com/ace-han/social-auth/pkg/pipeline"
	"github.com/ace-han/social-auth/pkg/userstore"
)

// Strategy binds per-deployment settings, the raw request data of the
// current call, the correlation store, and the pipeline engine. It is cheap
// to construct per request.
type Strategy struct {
	settings    backend.Settings
	requestData map[string]string
	store       handshake.Store
	engine      *pipeline.Engine

	// stateToken scopes SessionSet/SessionGet to the current handshake.
	stateToken string
}

// New creates a strategy for one request. requestData is whatever parameters
// the caller handed in; this layer does not parse HTTP requests itself.
func New(settings backend.Settings, requestData map[string]string, store handshake.Store, engine *pipeline.Engine) *Strategy {
	if requestData == nil {
		requestData = make(map[string]string)
	}
	return &Strategy{
		settings:    settings,
		requestData: requestData,
		store:       store,
		engine:      engine,
	}
}

// Settings returns the deployment settings map.
func (s *Strategy) Settings() backend.Settings {
	return s.settings
}

// Setting returns the named setting as a string, failing with a
// CONFIGURATION_ERROR when absent.
func (s *Strategy) Setting(name string) (string, error) {
	v, err := s.settings.Get(name)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), nil
	}
	return str, nil
}

// RequestData returns the raw request parameters the caller handed in.
func (s *Strategy) RequestData() map[string]string {
	return s.requestData
}

// BindState scopes session access to the given correlation token.
func (s *Strategy) BindState(token string) {
	s.stateToken = token
}

// StateToken returns the currently bound correlation token.
func (s *Strategy) StateToken() string {
	return s.stateToken
}

// SessionSet stores a key/value pair on the current handshake state.
func (s *Strategy) SessionSet(ctx context.Context, key, value string) error {
	if s.stateToken == "" {
		return errs.New(errs.ErrCodeInternal, "no handshake state bound")
	}
	return s.store.Set(ctx, s.stateToken, key, value)
}

// SessionGet reads a key from the current handshake state. A missing key
// yields "" with no error; a missing state yields a NOT_FOUND error.
func (s *Strategy) SessionGet(ctx context.Context, key string) (string, error) {
	if s.stateToken == "" {
		return "", errs.New(errs.ErrCodeInternal, "no handshake state bound")
	}
	state, err := s.store.Get(ctx, s.stateToken)
	if err != nil {
		return "", err
	}
	return state.Extra[key], nil
}

// Authenticate resolves the remote identity to a local user through the
// pipeline engine. The result is either a resolved user (Done), a suspension
// marker (Partial), or a rejection.
func (s *Strategy) Authenticate(ctx context.Context, b backend.Backend, identity *backend.RemoteIdentity, currentUser *userstore.User) pipeline.Result {
	profile := b.ExtractProfile(identity)
	key, err := b.DeriveIdentityKey(profile, s.settings)
	if err != nil {
		return pipeline.Result{
			Status: pipeline.StatusRejected,
			Err:    errs.Wrap(err, errs.ErrCodePipelineRejected, "failed to derive identity key"),
		}
	}

	return s.engine.Run(ctx, pipeline.RunInput{
		BackendName: b.Name(),
		Identity:    identity,
		Profile:     profile,
		Key:         key,
		CurrentUser: currentUser,
	})
}

// Resume continues a suspended pipeline run with the request data as the
// out-of-band input.
func (s *Strategy) Resume(ctx context.Context, partialToken string) pipeline.Result {
	input := make(map[string]interface{}, len(s.requestData))
	for k, v := range s.requestData {
		input[k] = v
	}
	return s.engine.Resume(ctx, partialToken, input)
}
