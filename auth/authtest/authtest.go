// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/toolsessions-go/auth"
)

// StaticTokens authenticates a fixed set of opaque tokens, each mapped to
// the subject it stands for.
type StaticTokens map[string]string

var _ auth.Authenticator = StaticTokens(nil)

func (s StaticTokens) Authenticate(ctx context.Context, token string) (auth.Principal, error) {
	sub, ok := s[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return auth.NewPrincipal(sub, map[string]any{"sub": sub}), nil
}

// AllowAll authenticates every non-empty token as subject.
func AllowAll(subject string) auth.Authenticator {
	if subject == "" {
		subject = "test-user"
	}
	return auth.AuthenticatorFunc(func(ctx context.Context, token string) (auth.Principal, error) {
		return auth.NewPrincipal(subject, map[string]any{"sub": subject}), nil
	})
}
