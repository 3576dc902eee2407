package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ace-han/social-auth/pkg/errs"
)

// Config holds the immutable per-provider configuration. Loaded once at
// startup and owned by the deployment strategy.
type Config struct {
	Name string `yaml:"name"`
	// Type selects the protocol variant: "oauth2" (default) or "miniapp".
	Type         string   `yaml:"type"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	// TokenMethod is the HTTP method for the token exchange, POST by default.
	TokenMethod string `yaml:"token_method"`
}

// Validate checks that the required configuration fields are present.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errs.New(errs.ErrCodeConfiguration, "backend name is required")
	}
	if c.ClientID == "" {
		return errs.Newf(errs.ErrCodeConfiguration, "client ID is required for backend %s", c.Name)
	}
	if c.TokenURL == "" {
		return errs.Newf(errs.ErrCodeConfiguration, "token URL is required for backend %s", c.Name)
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return errs.Wrapf(err, errs.ErrCodeConfiguration, "invalid token URL for backend %s", c.Name)
	}
	return nil
}

// OAuth2Backend implements the standard two-phase redirect OAuth2 flow.
type OAuth2Backend struct {
	config     Config
	httpClient *http.Client
}

// OAuth2Option configures an OAuth2Backend.
type OAuth2Option func(*OAuth2Backend)

// WithHTTPClient sets the HTTP client used for the token exchange call.
func WithHTTPClient(client *http.Client) OAuth2Option {
	return func(b *OAuth2Backend) {
		b.httpClient = client
	}
}

// NewOAuth2Backend creates a standard redirect-flow OAuth2 backend.
func NewOAuth2Backend(config Config, opts ...OAuth2Option) (*OAuth2Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.AuthURL == "" {
		return nil, errs.Newf(errs.ErrCodeConfiguration, "authorization URL is required for backend %s", config.Name)
	}
	if config.TokenMethod == "" {
		config.TokenMethod = http.MethodPost
	}
	b := &OAuth2Backend{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the backend name.
func (b *OAuth2Backend) Name() string {
	return b.config.Name
}

// UsesRedirect reports true: this variant requires the browser round trip.
func (b *OAuth2Backend) UsesRedirect() bool {
	return true
}

// AuthorizationURL builds the provider authorization URL with the state token
// embedded as the `state` query parameter.
func (b *OAuth2Backend) AuthorizationURL(state, redirectURI string) (string, error) {
	authURL, err := url.Parse(b.config.AuthURL)
	if err != nil {
		return "", errs.Wrapf(err, errs.ErrCodeConfiguration, "invalid auth URL for backend %s", b.config.Name)
	}

	params := url.Values{}
	params.Set("client_id", b.config.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	if len(b.config.Scopes) > 0 {
		params.Set("scope", strings.Join(b.config.Scopes, " "))
	}

	authURL.RawQuery = params.Encode()
	return authURL.String(), nil
}

// ExchangeToken exchanges an authorization code for an access token.
func (b *OAuth2Backend) ExchangeToken(ctx context.Context, params map[string]string) (*RemoteIdentity, error) {
	code := params["code"]
	if code == "" {
		return nil, errs.Validation("missing authorization code")
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("client_id", b.config.ClientID)
	data.Set("client_secret", b.config.ClientSecret)
	data.Set("code", code)
	if redirectURI := params["redirect_uri"]; redirectURI != "" {
		data.Set("redirect_uri", redirectURI)
	}

	var req *http.Request
	var err error
	if b.config.TokenMethod == http.MethodGet {
		tokenURL, parseErr := url.Parse(b.config.TokenURL)
		if parseErr != nil {
			return nil, errs.Wrapf(parseErr, errs.ErrCodeConfiguration, "invalid token URL for backend %s", b.config.Name)
		}
		tokenURL.RawQuery = data.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, b.config.TokenURL, strings.NewReader(data.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeInternal, "failed to create token request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrCodeProvider, "token request failed for backend %s", b.config.Name)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeProvider, "failed to read token response")
	}

	raw := make(map[string]interface{})
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.Wrapf(err, errs.ErrCodeProvider, "malformed token response from backend %s", b.config.Name)
	}

	if err := normalizeProviderError(raw); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.ErrCodeProvider, "token request failed with status %d", resp.StatusCode)
	}

	accessToken, _ := raw["access_token"].(string)
	slog.Info("token exchange successful", "backend", b.config.Name)
	return &RemoteIdentity{AccessToken: accessToken, Raw: raw}, nil
}

// ExtractProfile passes the raw provider response through as profile fields.
func (b *OAuth2Backend) ExtractProfile(identity *RemoteIdentity) Profile {
	return Profile(identity.Raw)
}

// DeriveIdentityKey uses the provider email as username when present,
// otherwise composes `<id>@<EMAIL_HOST>`. The stable identifier is the
// provider id (`id`, then `sub`).
func (b *OAuth2Backend) DeriveIdentityKey(profile Profile, settings Settings) (IdentityKey, error) {
	stableID := profile.String("id")
	if stableID == "" {
		stableID = profile.String("sub")
	}
	if stableID == "" {
		return IdentityKey{}, errs.Newf(errs.ErrCodeProvider, "no stable identifier in profile from backend %s", b.config.Name)
	}

	username := profile.String("email")
	if username == "" {
		host := settings.String("EMAIL_HOST", "example.com")
		username = fmt.Sprintf("%s@%s", stableID, host)
	}
	return IdentityKey{Username: username, StableID: stableID}, nil
}

// normalizeProviderError maps the standard OAuth2 error fields to a single
// PROVIDER_ERROR so downstream logic never inspects provider-specific fields.
func normalizeProviderError(raw map[string]interface{}) error {
	errVal, ok := raw["error"]
	if !ok || errVal == nil {
		return nil
	}
	code := fmt.Sprintf("%v", errVal)
	if code == "" || code == "0" {
		return nil
	}
	description, _ := raw["error_description"].(string)
	if description == "" {
		description = code
	}
	return errs.Provider(code, description)
}
