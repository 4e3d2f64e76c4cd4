// Package auth authenticates HTTP callers with bearer tokens. The session
// HTTP API uses the authenticated subject to scope sessions to the principal
// that created them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Principal is an authenticated caller.
type Principal interface {
	// Subject uniquely identifies the caller.
	Subject() string
	// Claims unmarshals the caller's token claims into ref.
	Claims(ref any) error
}

// Authenticator validates a bearer token. It returns an error wrapping
// ErrUnauthorized or ErrInsufficientScope when the token is rejected.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Principal, error) {
	return f(ctx, token)
}

type principal struct {
	sub    string
	claims map[string]any
}

// NewPrincipal returns a Principal for sub carrying claims.
func NewPrincipal(sub string, claims map[string]any) Principal {
	return &principal{sub: sub, claims: claims}
}

func (p *principal) Subject() string { return p.sub }

func (p *principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached with WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
