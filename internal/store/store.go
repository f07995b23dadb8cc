// ABOUTME: Store interfaces and data types for sigil persistence
// ABOUTME: Defines Account, Device and Challenge plus the narrow store interfaces the core consumes

package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned when an account with the same normalized email exists
var ErrEmailExists = errors.New("email already registered")

// ErrCredentialExists is returned when a device with the same credential id exists
var ErrCredentialExists = errors.New("credential already registered")

// ErrChallengeNotFound is returned by TakeChallenge when there was no live
// challenge matching the presented value.
var ErrChallengeNotFound = errors.New("challenge not found")

// ErrSignCountRegressed is returned when a device reports a sign count that
// does not increase on the stored one
var ErrSignCountRegressed = errors.New("sign count did not increase")

// Account is an identity record. Email is stored normalized.
type Account struct {
	ID              string
	Email           string
	Name            string
	PasswordHash    string // bcrypt hash, empty for federated-only accounts
	WebAuthnEnabled bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AccountUpdate lists the mutable account fields. Nil fields are left unchanged.
type AccountUpdate struct {
	Name            *string
	WebAuthnEnabled *bool
}

// Device is an enrolled public-key authenticator owned by one account.
type Device struct {
	CredentialID    []byte
	AccountID       string
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	Transports      []string
	SignCount       uint32
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// Challenge is a single-use registration challenge. Each account has at most one.
type Challenge struct {
	AccountID string
	Value     []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Live reports whether the challenge is still usable at now.
func (c *Challenge) Live(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// challengeMatches reports whether a just-taken challenge is live and equal to value.
func challengeMatches(c *Challenge, value []byte, now time.Time) bool {
	if c == nil || !c.Live(now) {
		return false
	}
	return len(value) > 0 && subtle.ConstantTimeCompare(c.Value, value) == 1
}

// AccountStore persists accounts. Implementations enforce email uniqueness
// with a unique index and report violations as ErrEmailExists.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	UpdateAccount(ctx context.Context, id string, update AccountUpdate) error
}

// DeviceStore persists authenticator devices.
type DeviceStore interface {
	GetDeviceByCredentialID(ctx context.Context, credentialID []byte) (*Device, error)
	// InsertDevice is a single check-and-insert: a credential id that already
	// exists under any account fails with ErrCredentialExists. The same write
	// sets the owning account's WebAuthnEnabled, so a stored device always has
	// an enabled account. A missing account fails with ErrNotFound.
	InsertDevice(ctx context.Context, device *Device) error
	ListDevices(ctx context.Context, accountID string) ([]*Device, error)
	// AdvanceSignCount stores signCount only if it is greater than the stored
	// value (or both are zero). Otherwise it returns ErrSignCountRegressed.
	AdvanceSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error
}

// ChallengeStore persists per-account registration challenges.
type ChallengeStore interface {
	// PutChallenge stores challenge as the account's only challenge, replacing any previous one.
	PutChallenge(ctx context.Context, challenge *Challenge) error
	// TakeChallenge deletes the account's challenge and returns it only if it
	// equals value and is unexpired at now. The challenge is gone after the first
	// call whatever it held, and two concurrent calls can never both receive it.
	TakeChallenge(ctx context.Context, accountID string, value []byte, now time.Time) (*Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	AccountStore
	DeviceStore
	ChallengeStore

	// Ping checks connectivity for readiness probes
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MockStore)(nil)
)
