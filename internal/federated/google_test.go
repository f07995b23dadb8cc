// ABOUTME: Tests for Google ID token verification
// ABOUTME: Signs real RS256 tokens and checks signature, claim window and email rules

package federated

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/dedupe"
)

const testClientID = "client-123.apps.googleusercontent.com"

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            testClientID,
		"sub":            "1098765",
		"email":          "a@x.com",
		"email_verified": true,
		"name":           "A",
		"iat":            testNow.Add(-time.Minute).Unix(),
		"exp":            testNow.Add(time.Hour).Unix(),
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(t *testing.T, key *rsa.PrivateKey) *GoogleVerifier {
	t.Helper()
	v, err := NewGoogleVerifier(StaticKeySet{"kid-1": &key.PublicKey}, []string{"other-client", testClientID},
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return v
}

func TestGoogleVerifier_Valid(t *testing.T) {
	key := newTestKey(t)
	v := newTestVerifier(t, key)

	claims, err := v.Verify(context.Background(), sign(t, key, "kid-1", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, &Claims{Subject: "1098765", Email: "a@x.com", EmailVerified: true, Name: "A"}, claims)
}

func TestGoogleVerifier_AcceptedVariants(t *testing.T) {
	key := newTestKey(t)
	v := newTestVerifier(t, key)

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{"bare issuer", func(c jwt.MapClaims) { c["iss"] = "accounts.google.com" }},
		{"string email_verified", func(c jwt.MapClaims) { c["email_verified"] = "true" }},
		{"audience list", func(c jwt.MapClaims) { c["aud"] = []string{"someone-else", testClientID} }},
		{"expired within leeway", func(c jwt.MapClaims) { c["exp"] = testNow.Add(-10 * time.Second).Unix() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(claims)
			_, err := v.Verify(context.Background(), sign(t, key, "kid-1", claims))
			assert.NoError(t, err)
		})
	}
}

func TestGoogleVerifier_Rejections(t *testing.T) {
	key := newTestKey(t)
	otherKey := newTestKey(t)
	v := newTestVerifier(t, key)

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"empty", func(t *testing.T) string { return "" }},
		{"garbage", func(t *testing.T) string { return "not.a.token" }},
		{"wrong key", func(t *testing.T) string { return sign(t, otherKey, "kid-1", validClaims()) }},
		{"unknown kid", func(t *testing.T) string { return sign(t, key, "kid-9", validClaims()) }},
		{"missing kid", func(t *testing.T) string { return sign(t, key, "", validClaims()) }},
		{"wrong issuer", func(t *testing.T) string {
			c := validClaims()
			c["iss"] = "https://evil.example.com"
			return sign(t, key, "kid-1", c)
		}},
		{"wrong audience", func(t *testing.T) string {
			c := validClaims()
			c["aud"] = "someone-else"
			return sign(t, key, "kid-1", c)
		}},
		{"expired", func(t *testing.T) string {
			c := validClaims()
			c["exp"] = testNow.Add(-time.Hour).Unix()
			return sign(t, key, "kid-1", c)
		}},
		{"missing exp", func(t *testing.T) string {
			c := validClaims()
			delete(c, "exp")
			return sign(t, key, "kid-1", c)
		}},
		{"not yet valid", func(t *testing.T) string {
			c := validClaims()
			c["nbf"] = testNow.Add(time.Hour).Unix()
			return sign(t, key, "kid-1", c)
		}},
		{"email unverified", func(t *testing.T) string {
			c := validClaims()
			c["email_verified"] = false
			return sign(t, key, "kid-1", c)
		}},
		{"email unverified string", func(t *testing.T) string {
			c := validClaims()
			c["email_verified"] = "false"
			return sign(t, key, "kid-1", c)
		}},
		{"email_verified absent", func(t *testing.T) string {
			c := validClaims()
			delete(c, "email_verified")
			return sign(t, key, "kid-1", c)
		}},
		{"missing email", func(t *testing.T) string {
			c := validClaims()
			delete(c, "email")
			return sign(t, key, "kid-1", c)
		}},
		{"missing subject", func(t *testing.T) string {
			c := validClaims()
			delete(c, "sub")
			return sign(t, key, "kid-1", c)
		}},
		{"HS256 with public key bytes", func(t *testing.T) string {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
			token.Header["kid"] = "kid-1"
			signed, err := token.SignedString(key.PublicKey.N.Bytes())
			require.NoError(t, err)
			return signed
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(context.Background(), tt.token(t))
			assert.Nil(t, claims)
			assert.ErrorIs(t, err, auth.ErrIdentityTokenInvalid)
			assert.Equal(t, auth.KindIdentityTokenInvalid, auth.KindOf(err))
		})
	}
}

func TestNewGoogleVerifier_RequiresConfig(t *testing.T) {
	_, err := NewGoogleVerifier(nil, []string{testClientID})
	assert.Error(t, err)

	_, err = NewGoogleVerifier(StaticKeySet{}, nil)
	assert.Error(t, err)
}

func TestGoogleVerifier_SingleUse(t *testing.T) {
	key := newTestKey(t)
	seen := dedupe.New(16, dedupe.WithClock(func() time.Time { return testNow }))
	defer seen.Close()

	v, err := NewGoogleVerifier(StaticKeySet{"kid-1": &key.PublicKey}, []string{testClientID},
		WithClock(func() time.Time { return testNow }),
		WithReplayGuard(seen))
	require.NoError(t, err)

	token := sign(t, key, "kid-1", validClaims())

	_, err = v.Verify(context.Background(), token)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrIdentityTokenInvalid)

	// A rejected token is never recorded
	bad := validClaims()
	bad["email_verified"] = false
	badToken := sign(t, key, "kid-1", bad)
	_, err = v.Verify(context.Background(), badToken)
	assert.ErrorIs(t, err, auth.ErrIdentityTokenInvalid)
	assert.False(t, seen.Check(fmt.Sprintf("%x", sha256.Sum256([]byte(badToken)))))

	other := validClaims()
	other["sub"] = "2222"
	_, err = v.Verify(context.Background(), sign(t, key, "kid-1", other))
	assert.NoError(t, err)
}
