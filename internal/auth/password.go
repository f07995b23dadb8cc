// ABOUTME: Password hashing and verification using bcrypt
// ABOUTME: Equalizes timing for missing hashes with a dummy comparison

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Password length bounds. bcrypt only reads the first 72 bytes, so longer
// passwords are rejected instead of silently truncated.
const (
	MinPasswordLength = 6
	MaxPasswordLength = 72
)

// DefaultBcryptCost matches bcrypt cost 10, roughly 100ms on commodity hardware.
const DefaultBcryptCost = bcrypt.DefaultCost

// dummyHash is compared against when there is no real hash, so an unknown
// account costs the same as a wrong password.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// PasswordHasher hashes and verifies passwords.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher with the given bcrypt cost. A zero cost
// selects DefaultBcryptCost.
func NewPasswordHasher(cost int) (*PasswordHasher, error) {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, cost)
	}
	return &PasswordHasher{cost: cost}, nil
}

// ValidatePassword checks the length bounds.
func ValidatePassword(plaintext string) error {
	if len(plaintext) < MinPasswordLength {
		return Invalid("password", "must be at least %d characters", MinPasswordLength)
	}
	if len(plaintext) > MaxPasswordLength {
		return Invalid("password", "must be at most %d bytes", MaxPasswordLength)
	}
	return nil
}

// Hash returns a salted bcrypt hash of plaintext.
func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	if err := ValidatePassword(plaintext); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", Invalid("password", "must be at most %d bytes", MaxPasswordLength)
		}
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches hash. An empty hash never matches
// but still pays for a full comparison.
func (h *PasswordHasher) Verify(plaintext, hash string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(plaintext))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
