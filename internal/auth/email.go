// ABOUTME: Email normalization and syntax checks for account identity
// ABOUTME: Case-folds with golang.org/x/text so uniqueness compares are case-insensitive

package auth

import (
	"net/mail"
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeEmail trims and case-folds an email address. Two addresses that
// differ only by case normalize to the same string.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

// ValidateEmail checks that email is a bare address (no display name).
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return Invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return Invalid("email", "must be a valid email address")
	}
	return nil
}
