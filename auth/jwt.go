package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
)

// Config controls JWT access token validation.
type Config struct {
	// Issuer expected in the iss claim. ENV: AUTH_ISSUER
	Issuer string `env:"AUTH_ISSUER"`
	// Audiences accepted in the aud claim, separated by ';' in the
	// environment. ENV: AUTH_AUDIENCE
	Audiences []string `env:"AUTH_AUDIENCE"`
	// JWKSURL serves the signing keys. When empty it is discovered from the
	// issuer's OpenID configuration. ENV: AUTH_JWKS_URL
	JWKSURL string `env:"AUTH_JWKS_URL"`
	// RequiredScopes must all be present in the scope claim. ENV: AUTH_REQUIRED_SCOPES
	RequiredScopes []string `env:"AUTH_REQUIRED_SCOPES"`
	// AllowedAlgs lists accepted signing algorithms. ENV: AUTH_ALLOWED_ALGS
	AllowedAlgs []string `env:"AUTH_ALLOWED_ALGS,default=RS256"`
	// Leeway tolerated on time-based claims. ENV: AUTH_LEEWAY
	Leeway time.Duration `env:"AUTH_LEEWAY,default=60s"`
}

// JWTAuthenticator validates signed JWT access tokens against keys fetched
// from a JWKS endpoint. Keys are refreshed in the background until the
// context passed to NewJWT is done.
type JWTAuthenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWT builds an authenticator from cfg, performing OIDC discovery when
// cfg.JWKSURL is empty.
func NewJWT(ctx context.Context, cfg Config) (*JWTAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("auth: at least one audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("auth: oidc discovery: %w", err)
		}
		var meta struct {
			JwksURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("auth: invalid discovery metadata: %w", err)
		}
		if meta.JwksURI == "" {
			return nil, errors.New("auth: discovery metadata has no jwks_uri")
		}
		jwksURL = meta.JwksURI
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init: %w", err)
	}
	return &JWTAuthenticator{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

// NewFromEnv reads a Config from the environment and calls NewJWT.
func NewFromEnv(ctx context.Context) (*JWTAuthenticator, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}
	return NewJWT(ctx, cfg)
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(token, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(v string) bool { return slices.Contains(a.cfg.Audiences, v) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if len(a.cfg.RequiredScopes) > 0 {
		scope, _ := claims["scope"].(string)
		have := strings.Fields(scope)
		for _, want := range a.cfg.RequiredScopes {
			if !slices.Contains(have, want) {
				return nil, fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
			}
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return NewPrincipal(sub, claims), nil
}
