// Package token models the access/refresh credential pair and decides locally whether an access
// credential is still usable.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when a token carries no exp claim.
var ErrNoExpiry = errors.New("token has no expiry claim")

// Token is an opaque credential. When it is a JWT its claims can be read, but they are never
// verified here: the backend is the only trust boundary.
type Token string

func (t Token) String() string {
	return Mask(string(t))
}

// Empty reports whether the token is unset.
func (t Token) Empty() bool {
	return t == ""
}

// Claims are the subset of registered claims the client cares about.
type Claims struct {
	Subject   string
	ID        string
	ExpiresAt time.Time
}

// Claims decodes the embedded claims without verifying the signature.
func (t Token) Claims() (*Claims, error) {
	if t.Empty() {
		return nil, errors.New("empty token")
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(t), &claims); err != nil {
		return nil, fmt.Errorf("decoding token claims: %w", err)
	}
	out := &Claims{Subject: claims.Subject, ID: claims.ID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// ExpiresAt returns the exp claim.
func (t Token) ExpiresAt() (time.Time, error) {
	c, err := t.Claims()
	if err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt.IsZero() {
		return time.Time{}, ErrNoExpiry
	}
	return c.ExpiresAt, nil
}

// Pair is the access and refresh credential. The two are always stored and read together.
type Pair struct {
	Access  Token `json:"access_token"`
	Refresh Token `json:"refresh_token"`
}

// Valid reports whether both halves are present.
func (p Pair) Valid() bool {
	return !p.Access.Empty() && !p.Refresh.Empty()
}

// Mask shortens a credential for logging.
func Mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:8] + "..."
}
