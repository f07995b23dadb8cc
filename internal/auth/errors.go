// ABOUTME: Error taxonomy shared by every authentication flow
// ABOUTME: Sentinel errors per kind plus ValidationError, resolved to stable kinds via KindOf

package auth

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable name of an authentication failure.
type Kind string

// Error kinds. These strings are part of the wire contract.
const (
	KindValidation           Kind = "validation_error"
	KindDuplicateAccount     Kind = "duplicate_account"
	KindDuplicateCredential  Kind = "duplicate_credential"
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindTokenInvalid         Kind = "token_invalid"
	KindTokenExpired         Kind = "token_expired"
	KindIdentityTokenInvalid Kind = "identity_token_invalid"
	KindChallengeMismatch    Kind = "challenge_mismatch"
	KindAttestationInvalid   Kind = "attestation_invalid"
	KindReplayDetected       Kind = "replay_detected"
	KindStoreUnavailable     Kind = "store_unavailable"
	KindInternal             Kind = "internal_error"
)

// Authentication errors
var (
	ErrDuplicateAccount     = errors.New("account already exists")
	ErrDuplicateCredential  = errors.New("authenticator already registered")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrTokenInvalid         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrIdentityTokenInvalid = errors.New("invalid identity token")
	ErrChallengeMismatch    = errors.New("challenge mismatch")
	ErrAttestationInvalid   = errors.New("attestation invalid")
	ErrReplayDetected       = errors.New("authenticator sign count did not increase")
	ErrStoreUnavailable     = errors.New("store unavailable")
)

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid returns a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrDuplicateAccount, KindDuplicateAccount},
	{ErrDuplicateCredential, KindDuplicateCredential},
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrTokenExpired, KindTokenExpired},
	{ErrTokenInvalid, KindTokenInvalid},
	{ErrIdentityTokenInvalid, KindIdentityTokenInvalid},
	{ErrChallengeMismatch, KindChallengeMismatch},
	{ErrAttestationInvalid, KindAttestationInvalid},
	{ErrReplayDetected, KindReplayDetected},
	{ErrStoreUnavailable, KindStoreUnavailable},
}

// KindOf resolves err to its Kind. Unrecognized errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	for _, sk := range sentinelKinds {
		if errors.Is(err, sk.err) {
			return sk.kind
		}
	}
	return KindInternal
}

// Unavailable wraps a persistence failure so callers see ErrStoreUnavailable
// while the cause stays available for logging.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
