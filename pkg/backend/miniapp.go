package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ace-han/social-auth/pkg/errs"
)

// Setting names consumed by the mini-app identity derivation.
const (
	SettingUnionIDAsUsername = "UNIONID_AS_USERNAME"
	SettingEmailHost         = "EMAIL_HOST"

	defaultMiniAppEmailHost = "qq.com"
)

// MiniAppBackend implements the embedded code-exchange variant: the client
// already holds a short-lived login code, and the provider call is a single
// synchronous GET with no browser redirect. Modeled on the WeChat mini-app
// jscode2session endpoint, which reports failures through `errcode`/`errmsg`
// instead of the standard OAuth2 error fields.
type MiniAppBackend struct {
	config     Config
	httpClient *http.Client
}

// MiniAppOption configures a MiniAppBackend.
type MiniAppOption func(*MiniAppBackend)

// WithMiniAppHTTPClient sets the HTTP client used for the code exchange call.
func WithMiniAppHTTPClient(client *http.Client) MiniAppOption {
	return func(b *MiniAppBackend) {
		b.httpClient = client
	}
}

// NewMiniAppBackend creates a non-redirect code-exchange backend.
func NewMiniAppBackend(config Config, opts ...MiniAppOption) (*MiniAppBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b := &MiniAppBackend{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the backend name.
func (b *MiniAppBackend) Name() string {
	return b.config.Name
}

// UsesRedirect reports false: the flow runs inside the mini-app host and
// never visits an authorization page.
func (b *MiniAppBackend) UsesRedirect() bool {
	return false
}

// AuthorizationURL is unsupported for the non-redirect variant.
func (b *MiniAppBackend) AuthorizationURL(state, redirectURI string) (string, error) {
	return "", errs.Newf(errs.ErrCodeBackendUnsupported, "backend %s does not use an authorization URL", b.config.Name)
}

// ExchangeToken exchanges the client-held login code in a single GET call.
func (b *MiniAppBackend) ExchangeToken(ctx context.Context, params map[string]string) (*RemoteIdentity, error) {
	code := params["code"]
	if code == "" {
		return nil, errs.Validation("missing login code")
	}

	tokenURL, err := url.Parse(b.config.TokenURL)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrCodeConfiguration, "invalid token URL for backend %s", b.config.Name)
	}
	query := url.Values{}
	query.Set("grant_type", "authorization_code")
	query.Set("appid", b.config.ClientID)
	query.Set("secret", b.config.ClientSecret)
	query.Set("js_code", code)
	tokenURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeInternal, "failed to create code exchange request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrCodeProvider, "code exchange failed for backend %s", b.config.Name)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeProvider, "failed to read code exchange response")
	}

	raw := make(map[string]interface{})
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.Wrapf(err, errs.ErrCodeProvider, "malformed code exchange response from backend %s", b.config.Name)
	}

	// The endpoint reports errors in errcode/errmsg. Align the response with
	// the common flow so callers only ever see the normalized fields.
	if errcode := numberString(raw["errcode"]); errcode != "" && errcode != "0" {
		errmsg, _ := raw["errmsg"].(string)
		if errmsg == "" {
			errmsg = "code exchange rejected"
		}
		return nil, errs.Provider(errcode, errmsg)
	}

	sessionKey, _ := raw["session_key"].(string)
	raw["access_token"] = sessionKey

	slog.Info("code exchange successful", "backend", b.config.Name)
	return &RemoteIdentity{AccessToken: sessionKey, Raw: raw}, nil
}

// ExtractProfile passes the exchange response through: the endpoint already
// returns the identifiers and no separate profile call exists.
func (b *MiniAppBackend) ExtractProfile(identity *RemoteIdentity) Profile {
	return Profile(identity.Raw)
}

// DeriveIdentityKey picks the union-wide identifier over the per-app one when
// the UNIONID_AS_USERNAME setting is enabled, then composes a synthetic email
// `<username>@<EMAIL_HOST>` because the provider supplies no email field. The
// stable identifier is that email, keeping it deterministic across logins.
func (b *MiniAppBackend) DeriveIdentityKey(profile Profile, settings Settings) (IdentityKey, error) {
	var username string
	if settings.Bool(SettingUnionIDAsUsername, false) {
		username = profile.String("unionid")
	}
	if username == "" {
		username = profile.String("openid")
	}
	if username == "" {
		return IdentityKey{}, errs.Newf(errs.ErrCodeProvider, "no openid in profile from backend %s", b.config.Name)
	}

	host := settings.String(SettingEmailHost, defaultMiniAppEmailHost)
	email := fmt.Sprintf("%s@%s", username, host)
	return IdentityKey{Username: username, StableID: email}, nil
}

// numberString renders a JSON number or string as its string form, "" for nil.
func numberString(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%.0f", n)
	case string:
		return n
	default:
		return fmt.Sprintf("%v", n)
	}
}
