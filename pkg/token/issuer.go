// Package token implements the session-credential collaborator: given a
// resolved local user it mints the access/refresh/anti-forgery token bundle
// returned at the end of a successful handshake.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/userstore"
)

// Default token expiry durations
const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 24 * time.Hour
)

// IssuedSession is the credential bundle produced at handshake completion.
// This subsystem does not retain it after returning it to the caller.
type IssuedSession struct {
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	ExpiresAt    time.Time
}

// Issuer is the session-credential contract consumed by the orchestrator.
type Issuer interface {
	Issue(user userstore.User) (IssuedSession, error)
}

// Claims is the JWT claims layout for issued tokens.
type Claims struct {
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer implements Issuer with HS256-signed JWTs. The anti-forgery token
// is random and embedded in the refresh token claims, so a refresh always
// rotates it together with the session.
type JWTIssuer struct {
	Secret   string
	Issuer   string
	Audience string

	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// JWTOption configures a JWTIssuer.
type JWTOption func(*JWTIssuer)

// WithAccessTokenExpiry sets the access token lifetime.
func WithAccessTokenExpiry(expiry time.Duration) JWTOption {
	return func(i *JWTIssuer) {
		i.AccessTokenExpiry = expiry
	}
}

// WithRefreshTokenExpiry sets the refresh token lifetime.
func WithRefreshTokenExpiry(expiry time.Duration) JWTOption {
	return func(i *JWTIssuer) {
		i.RefreshTokenExpiry = expiry
	}
}

// NewJWTIssuer creates a JWT session issuer.
func NewJWTIssuer(secret, issuer, audience string, opts ...JWTOption) *JWTIssuer {
	i := &JWTIssuer{
		Secret:             secret,
		Issuer:             issuer,
		Audience:           audience,
		AccessTokenExpiry:  DefaultAccessTokenExpiry,
		RefreshTokenExpiry: DefaultRefreshTokenExpiry,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue mints the access/refresh/anti-forgery bundle for the user.
func (i *JWTIssuer) Issue(user userstore.User) (IssuedSession, error) {
	csrfToken, err := newCSRFToken()
	if err != nil {
		return IssuedSession{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate csrf token")
	}

	accessToken, expiresAt, err := i.sign(user, i.AccessTokenExpiry, "")
	if err != nil {
		return IssuedSession{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to sign access token")
	}

	refreshToken, _, err := i.sign(user, i.RefreshTokenExpiry, csrfToken)
	if err != nil {
		return IssuedSession{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to sign refresh token")
	}

	slog.Info("session issued", "user_id", user.ID, "username", user.Username)
	return IssuedSession{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		CSRFToken:    csrfToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken parses and validates an issued token string.
func (i *JWTIssuer) ParseToken(tokenStr string) (*jwt.Token, *Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(i.Secret), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return tok, claims, nil
}

func (i *JWTIssuer) sign(user userstore.User, expiry time.Duration, csrfToken string) (string, time.Time, error) {
	now := time.Now().UTC()
	claims := Claims{
		Username:  user.Username,
		Email:     user.Email,
		CSRFToken: csrfToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Minute)),
			Issuer:    i.Issuer,
			Subject:   user.ID.String(),
			ID:        uuid.New().String(),
			Audience:  jwt.ClaimStrings{i.Audience},
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(i.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

func newCSRFToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
