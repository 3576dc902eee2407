// Package backend contains the provider backend contract and the concrete
// protocol adapters for external identity providers. A backend knows how to
// build the provider's authorization URL, exchange a code for credentials,
// and derive a local identity key from the provider profile. Backends perform
// no storage of their own.
package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ace-han/social-auth/pkg/errs"
)

// RemoteIdentity is the result of a successful token exchange with a
// provider: the raw credential plus the provider-returned fields. It is
// ephemeral and never persisted.
type RemoteIdentity struct {
	AccessToken string
	Raw         map[string]interface{}
}

// Profile holds provider-returned profile fields, normalized to an opaque map
// so downstream identity resolution stays provider-agnostic.
type Profile map[string]interface{}

// String returns the named profile field as a string, or "" when absent or
// not string-valued.
func (p Profile) String(name string) string {
	if v, ok := p[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IdentityKey is the deterministic local identity derived from a provider
// profile. StableID does not change across logins for the same remote account.
type IdentityKey struct {
	Username string
	StableID string
}

// Settings is the free-form per-deployment configuration consumed by backends
// and the identity-resolution pipeline.
type Settings map[string]interface{}

// Get returns the named setting, failing with a configuration error when it
// is absent.
func (s Settings) Get(name string) (interface{}, error) {
	v, ok := s[name]
	if !ok {
		return nil, errs.Newf(errs.ErrCodeConfiguration, "missing setting: %s", name)
	}
	return v, nil
}

// String returns the named setting as a string, or the fallback when absent.
func (s Settings) String(name, fallback string) string {
	if v, ok := s[name]; ok {
		if str, ok := v.(string); ok && str != "" {
			return str
		}
	}
	return fallback
}

// Bool returns the named setting as a bool, or the fallback when absent.
// YAML-loaded settings may carry bools as strings, so "true"/"false" parse too.
func (s Settings) Bool(name string, fallback bool) bool {
	v, ok := s[name]
	if !ok {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}

// Strings returns the named setting as a string slice, or nil when absent.
func (s Settings) Strings(name string) []string {
	v, ok := s[name]
	if !ok {
		return nil
	}
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// Backend is the protocol adapter contract for one identity provider.
type Backend interface {
	// Name returns the unique backend name used for registry lookup and
	// identity association records.
	Name() string

	// UsesRedirect declares whether the variant requires the two-phase
	// browser redirect dance. Non-redirect variants exchange a client-held
	// code in a single synchronous call.
	UsesRedirect() bool

	// AuthorizationURL constructs the provider's authorization endpoint URL
	// embedding the correlation state token and the post-login redirect URI.
	AuthorizationURL(state, redirectURI string) (string, error)

	// ExchangeToken performs the provider call, exchanging the caller-held
	// code for a remote identity. Provider-specific error fields are
	// normalized into a single errs.Provider error. Exactly one outbound
	// network call; no internal retries.
	ExchangeToken(ctx context.Context, params map[string]string) (*RemoteIdentity, error)

	// ExtractProfile maps the remote identity to profile fields. May be a
	// passthrough of the raw provider response.
	ExtractProfile(identity *RemoteIdentity) Profile

	// DeriveIdentityKey derives the local username and stable identifier
	// from the profile. Must be deterministic and pure: same profile and
	// settings always yield the same key, with no I/O.
	DeriveIdentityKey(profile Profile, settings Settings) (IdentityKey, error)
}

// Registry holds the configured backends keyed by name.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend to the registry. Registering the same name twice
// fails.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return fmt.Errorf("backend cannot be nil")
	}
	if _, exists := r.backends[b.Name()]; exists {
		return errs.Newf(errs.ErrCodeAlreadyExists, "backend already registered: %s", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Get returns the named backend or a BACKEND_UNSUPPORTED error.
func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, errs.Newf(errs.ErrCodeBackendUnsupported, "unknown backend: %s", name)
	}
	return b, nil
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
