// ABOUTME: Verifies Google-issued OpenID Connect ID tokens
// ABOUTME: Checks RS256 signature, issuer, audience and validity window, then extracts verified claims

package federated

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/sigil/internal/auth"
)

// DefaultLeeway tolerates clock skew between Google and this server.
const DefaultLeeway = 30 * time.Second

// GoogleIssuers are the iss values Google uses for ID tokens.
var GoogleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// Claims are the identity facts extracted from a verified ID token.
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Verifier verifies a third-party identity token.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// ReplayGuard remembers accepted tokens. CheckAndMark reports whether key was
// already accepted and otherwise records it until expiresAt.
type ReplayGuard interface {
	CheckAndMark(key string, expiresAt time.Time) bool
}

// GoogleVerifier verifies Google ID tokens for a set of OAuth client ids.
type GoogleVerifier struct {
	keys      KeySource
	clientIDs []string
	issuers   []string
	leeway    time.Duration
	now       func() time.Time
	replay    ReplayGuard
}

// Option configures a GoogleVerifier.
type Option func(*GoogleVerifier)

// WithLeeway sets the allowed clock skew.
func WithLeeway(d time.Duration) Option {
	return func(v *GoogleVerifier) {
		v.leeway = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *GoogleVerifier) {
		v.now = now
	}
}

// WithIssuers replaces the accepted issuers.
func WithIssuers(issuers ...string) Option {
	return func(v *GoogleVerifier) {
		v.issuers = issuers
	}
}

// WithReplayGuard makes every token single use: a token that verified once is
// rejected for the rest of its lifetime.
func WithReplayGuard(g ReplayGuard) Option {
	return func(v *GoogleVerifier) {
		v.replay = g
	}
}

// NewGoogleVerifier creates a verifier accepting tokens whose audience
// contains one of clientIDs.
func NewGoogleVerifier(keys KeySource, clientIDs []string, opts ...Option) (*GoogleVerifier, error) {
	if keys == nil {
		return nil, errors.New("federated: key source is required")
	}
	if len(clientIDs) == 0 {
		return nil, errors.New("federated: at least one client id is required")
	}
	v := &GoogleVerifier{
		keys:      keys,
		clientIDs: clientIDs,
		issuers:   GoogleIssuers,
		leeway:    DefaultLeeway,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Name          string `json:"name"`
}

// Verify checks rawToken and returns its claims. Every failure, including an
// unverified email, is reported as auth.ErrIdentityTokenInvalid.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, invalid(errors.New("empty token"))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	var claims idTokenClaims
	_, err := parser.ParseWithClaims(rawToken, &claims, v.keys.Keyfunc)
	if err != nil {
		return nil, invalid(err)
	}

	if !slices.Contains(v.issuers, claims.Issuer) {
		return nil, invalid(fmt.Errorf("unexpected issuer %q", claims.Issuer))
	}
	if !slices.ContainsFunc(claims.Audience, func(aud string) bool {
		return slices.Contains(v.clientIDs, aud)
	}) {
		return nil, invalid(errors.New("audience does not match any client id"))
	}
	if claims.Subject == "" {
		return nil, invalid(errors.New("missing subject"))
	}
	if claims.Email == "" {
		return nil, invalid(errors.New("missing email"))
	}
	if !emailVerified(claims.EmailVerified) {
		return nil, invalid(errors.New("email not verified"))
	}
	if v.replay != nil {
		sum := sha256.Sum256([]byte(rawToken))
		if v.replay.CheckAndMark(hex.EncodeToString(sum[:]), claims.ExpiresAt.Add(v.leeway)) {
			return nil, invalid(errors.New("token already used"))
		}
	}

	return &Claims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: true,
		Name:          claims.Name,
	}, nil
}

// emailVerified accepts the claim as a JSON bool or as "true"/"false".
func emailVerified(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(val)
		return err == nil && b
	default:
		return false
	}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", auth.ErrIdentityTokenInvalid, err)
}
