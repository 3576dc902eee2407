// Package handshake provides the ephemeral correlation store linking the two
// phases of an external authentication handshake. The initiate phase creates
// a state record under a fresh opaque token; the complete phase reads it back
// and consumes it. Records expire after a deployment-chosen TTL.
package handshake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// DefaultTTL is the state lifetime when none is configured.
const DefaultTTL = 10 * time.Minute

// State is the record correlating the initiate and complete phases of one
// handshake. Extra holds the provider-declared session fields.
type State struct {
	RedirectURI string            `json:"redirect_uri"`
	Extra       map[string]string `json:"extra,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Store is the correlation store contract. Create is atomic
// (create-if-absent): two concurrent creations can never share a token. A
// token is retrievable by Get only until Delete is called or the TTL elapses;
// afterwards Get fails with a NOT_FOUND error.
type Store interface {
	// Create generates a fresh unique token with an empty state record and
	// returns the token. Collision with a live token is rejected.
	Create(ctx context.Context) (string, error)

	// Get returns the state stored under token, or a NOT_FOUND error when the
	// token is absent, expired or already consumed.
	Get(ctx context.Context, token string) (*State, error)

	// Set stores one key/value pair on the state. The redirect URI uses the
	// reserved key handled by SetRedirectURI.
	Set(ctx context.Context, token, key, value string) error

	// SetRedirectURI stores the post-login redirect URI on the state.
	SetRedirectURI(ctx context.Context, token, redirectURI string) error

	// Delete consumes the token. Deleting an absent token is not an error.
	Delete(ctx context.Context, token string) error
}

// NewToken generates a cryptographically random correlation token.
func NewToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
