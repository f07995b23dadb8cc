// ABOUTME: Session token issuance and verification for authenticated accounts
// ABOUTME: HS256 JWTs carrying account id, email and name; stateless, no revocation list

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the validity window of a session token.
const DefaultTokenTTL = 7 * 24 * time.Hour

// DefaultIssuer is the "iss" claim stamped on session tokens.
const DefaultIssuer = "sigil"

// MinSecretLength is the shortest HMAC key TokenService accepts.
const MinSecretLength = 32

// Claims is the verified identity carried by a session token.
type Claims struct {
	AccountID string
	Email     string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenVerifier verifies session tokens. The HTTP middleware depends on this
// rather than on TokenService so tests can stub it.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// sessionClaims is the JWT body.
type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TokenService issues and verifies HS256 session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTokenTTL overrides the default 7 day validity window.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssuer overrides the "iss" claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

// NewTokenService creates a token service signing with secret.
func NewTokenService(secret []byte, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	s := &TokenService{
		secret: secret,
		ttl:    DefaultTokenTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the validity window applied to issued tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs claims and returns the token together with the claims as issued
// (IssuedAt and ExpiresAt filled in).
func (s *TokenService) Issue(claims Claims) (string, Claims, error) {
	if claims.AccountID == "" {
		return "", Claims{}, errors.New("issuing token: account id is required")
	}

	// NumericDate has second precision; truncate so the returned claims match what Verify yields.
	now := s.now().UTC().Truncate(time.Second)
	claims.IssuedAt = now
	claims.ExpiresAt = now.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.AccountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			ID:        uuid.NewString(),
		},
		Email: claims.Email,
		Name:  claims.Name,
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}

// Verify validates the signature, algorithm, issuer and expiry of tokenString.
// Returns ErrTokenExpired past expiry and ErrTokenInvalid for everything else.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if parsed.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrTokenInvalid)
	}

	claims := &Claims{
		AccountID: parsed.Subject,
		Email:     parsed.Email,
		Name:      parsed.Name,
		ExpiresAt: parsed.ExpiresAt.Time,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	return claims, nil
}
