// Package orchestrator composes the provider backends, the correlation
// store, the identity-resolution pipeline and the session issuer into the two
// public operations of an external authentication handshake: Initiate and
// Complete.
package orchestrator

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/handshake"
	"github.com/ace-han/social-auth/pkg/pipeline"
	"github.com/ace-han/social-auth/pkg/strategy"
	"github.com/ace-han/social-auth/pkg/token"
	"github.com/ace-han/social-auth/pkg/userstore"
)

// Setting names consumed by the orchestrator.
const (
	// SettingSessionFields lists request fields to copy onto the handshake
	// state at initiate time, for backends that declare extra session data.
	SettingSessionFields = "FIELDS_STORED_IN_SESSION"
)

// partialTokenKey is the handshake state field carrying an in-flight
// pipeline suspension.
const partialTokenKey = "partial_token"

// Service orchestrates external authentication handshakes.
type Service struct {
	registry *backend.Registry
	store    handshake.Store
	engine   *pipeline.Engine
	issuer   token.Issuer
	settings backend.Settings

	defaultBackend string
	allowedHosts   []string
	redirectOnly   bool
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultBackend sets the backend used when the caller names none.
func WithDefaultBackend(name string) Option {
	return func(s *Service) {
		s.defaultBackend = name
	}
}

// WithAllowedHosts sets the redirect URI host allow-list. An empty list
// rejects every redirect URI.
func WithAllowedHosts(hosts []string) Option {
	return func(s *Service) {
		s.allowedHosts = hosts
	}
}

// WithRedirectOnly restricts the deployment to redirect-flow backends;
// non-redirect variants are rejected at initiate time.
func WithRedirectOnly(redirectOnly bool) Option {
	return func(s *Service) {
		s.redirectOnly = redirectOnly
	}
}

// NewService creates an orchestrator service.
func NewService(
	registry *backend.Registry,
	store handshake.Store,
	engine *pipeline.Engine,
	issuer token.Issuer,
	settings backend.Settings,
	opts ...Option,
) *Service {
	s := &Service{
		registry: registry,
		store:    store,
		engine:   engine,
		issuer:   issuer,
		settings: settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateRequest is the input to Initiate.
type InitiateRequest struct {
	// RedirectURI is the post-login redirect target, validated against the
	// host allow-list.
	RedirectURI string

	// Backend names the provider backend; the configured default applies
	// when empty.
	Backend string

	// Data carries the raw caller request parameters.
	Data map[string]string
}

// InitiateResult is the output of Initiate. For non-redirect backends the
// authorization URL is empty and the caller proceeds straight to Complete
// with the state token.
type InitiateResult struct {
	AuthorizationURL string
	State            string
}

// Initiate starts a handshake: it validates the redirect URI, creates the
// correlation state, and returns the provider authorization URL embedding
// the state token.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := s.validateRedirectURI(req.RedirectURI); err != nil {
		return InitiateResult{}, err
	}

	b, err := s.resolveBackend(req.Backend)
	if err != nil {
		return InitiateResult{}, err
	}
	if s.redirectOnly && !b.UsesRedirect() {
		return InitiateResult{}, errs.Newf(errs.ErrCodeBackendUnsupported,
			"backend %s does not support the redirect flow", b.Name())
	}

	state, err := s.store.Create(ctx)
	if err != nil {
		return InitiateResult{}, err
	}

	if err := s.populateState(ctx, state, req); err != nil {
		// Leave no orphaned state behind a failed initiate.
		if delErr := s.store.Delete(ctx, state); delErr != nil {
			slog.Warn("failed to delete handshake state", "err", delErr)
		}
		return InitiateResult{}, err
	}

	result := InitiateResult{State: state}
	if b.UsesRedirect() {
		authURL, err := b.AuthorizationURL(state, req.RedirectURI)
		if err != nil {
			if delErr := s.store.Delete(ctx, state); delErr != nil {
				slog.Warn("failed to delete handshake state", "err", delErr)
			}
			return InitiateResult{}, err
		}
		result.AuthorizationURL = authURL
	}

	slog.Info("handshake initiated", "backend", b.Name(), "state", state)
	return result, nil
}

// CompleteRequest is the input to Complete.
type CompleteRequest struct {
	// State is the correlation token returned by Initiate.
	State string

	// Backend names the provider backend; the configured default applies
	// when empty.
	Backend string

	// Params carries the provider callback parameters (code, etc.) plus any
	// out-of-band input for a resumed pipeline.
	Params map[string]string

	// CurrentUser is the already-authenticated caller, if any.
	CurrentUser *userstore.User
}

// CompleteResult is the output of Complete. Status is Done with an issued
// session, Done without a session for an inactive user, or Partial with a
// suspension marker.
type CompleteResult struct {
	Status       pipeline.Status
	User         *userstore.User
	Session      *token.IssuedSession
	PartialToken string
	Prompt       map[string]interface{}
}

// Complete finishes a handshake: it consumes the correlation state, performs
// the provider token exchange (at most one provider call per invocation),
// resolves the identity through the pipeline, and mints session credentials.
//
// On Partial the handshake state is kept so the same correlation token can
// carry the follow-up call; this is a deployment policy choice. On any
// failure the state is left intact for retry; it is deleted only when the
// pipeline reaches Done.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	if req.State == "" {
		return CompleteResult{}, errs.Validation("missing state parameter")
	}

	state, err := s.store.Get(ctx, req.State)
	if err != nil {
		if errs.IsNotFound(err) {
			return CompleteResult{}, errs.Newf(errs.ErrCodeInvalidState,
				"handshake state not found or already consumed")
		}
		return CompleteResult{}, err
	}

	b, err := s.resolveBackend(req.Backend)
	if err != nil {
		return CompleteResult{}, err
	}

	strat := strategy.New(s.settings, req.Params, s.store, s.engine)
	strat.BindState(req.State)

	var result pipeline.Result
	resumed := false
	if partialToken := state.Extra[partialTokenKey]; partialToken != "" {
		// A suspended run is pending: resume it with the new input instead
		// of calling the provider again.
		resumed = true
		result = strat.Resume(ctx, partialToken)
	} else {
		params := make(map[string]string, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}
		if params["redirect_uri"] == "" {
			params["redirect_uri"] = state.RedirectURI
		}

		identity, err := b.ExchangeToken(ctx, params)
		if err != nil {
			return CompleteResult{}, err
		}
		result = strat.Authenticate(ctx, b, identity, req.CurrentUser)
	}

	switch result.Status {
	case pipeline.StatusPartial:
		if err := s.store.Set(ctx, req.State, partialTokenKey, result.PartialToken); err != nil {
			return CompleteResult{}, err
		}
		slog.Info("handshake suspended", "backend", b.Name(), "state", req.State)
		return CompleteResult{
			Status:       pipeline.StatusPartial,
			PartialToken: result.PartialToken,
			Prompt:       result.Prompt,
		}, nil

	case pipeline.StatusRejected:
		// A rejected resume already consumed its partial token; clear the
		// marker so a retry on this state re-exchanges instead of resuming
		// a dead token.
		if resumed {
			if err := s.store.Set(ctx, req.State, partialTokenKey, ""); err != nil {
				slog.Warn("failed to clear partial token marker", "state", req.State, "err", err)
			}
		}
		return CompleteResult{}, result.Err

	case pipeline.StatusDone:
		out := CompleteResult{Status: pipeline.StatusDone, User: result.User}
		if result.LoggedIn {
			session, err := s.issuer.Issue(*result.User)
			if err != nil {
				return CompleteResult{}, err
			}
			out.Session = &session
		}
		// Single use: the state must not be retrievable after completion.
		if err := s.store.Delete(ctx, req.State); err != nil {
			slog.Warn("failed to delete handshake state", "state", req.State, "err", err)
		}
		slog.Info("handshake completed", "backend", b.Name(),
			"user_id", result.User.ID, "new_user", result.IsNew, "logged_in", result.LoggedIn)
		return out, nil

	default:
		return CompleteResult{}, errs.Newf(errs.ErrCodeInternal,
			"unexpected pipeline status: %s", result.Status)
	}
}

// validateRedirectURI enforces presence and the host allow-list.
func (s *Service) validateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return errs.New(errs.ErrCodeMissingRedirectURI, "missing redirect uri")
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errs.Validation("invalid redirect uri")
	}
	for _, host := range s.allowedHosts {
		if parsed.Host == host {
			return nil
		}
	}
	return errs.Newf(errs.ErrCodeValidation, "redirect uri host not allowed: %s", parsed.Host)
}

// resolveBackend picks the named backend, falling back to the default.
func (s *Service) resolveBackend(name string) (backend.Backend, error) {
	if name == "" {
		name = s.defaultBackend
	}
	if name == "" {
		return nil, errs.New(errs.ErrCodeConfiguration, "no backend named and no default configured")
	}
	return s.registry.Get(name)
}

// populateState stores the redirect URI and the backend-declared session
// fields on the fresh handshake state.
func (s *Service) populateState(ctx context.Context, state string, req InitiateRequest) error {
	if err := s.store.SetRedirectURI(ctx, state, req.RedirectURI); err != nil {
		return err
	}
	for _, field := range s.settings.Strings(SettingSessionFields) {
		if err := s.store.Set(ctx, state, field, req.Data[field]); err != nil {
			return err
		}
	}
	return nil
}
