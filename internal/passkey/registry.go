// ABOUTME: Authenticator registry: issues registration challenges and records verified devices
// ABOUTME: Enforces single-use challenges, attestation validity, unique credential ids and sign count monotonicity

package passkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/challenge"
	"github.com/2389/sigil/internal/store"
)

// Registration is what a client needs to start the registration ceremony.
type Registration struct {
	Challenge *store.Challenge
	Options   *protocol.CredentialCreation
}

// Registry validates registration responses and records devices.
type Registry struct {
	accounts   store.AccountStore
	devices    store.DeviceStore
	challenges *challenge.Manager
	attestor   Attestor
	now        func() time.Time
	logger     *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for device timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a Registry.
func NewRegistry(accounts store.AccountStore, devices store.DeviceStore, challenges *challenge.Manager, attestor Attestor, opts ...RegistryOption) *Registry {
	r := &Registry{
		accounts:   accounts,
		devices:    devices,
		challenges: challenges,
		attestor:   attestor,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "passkey")
	return r
}

// BeginRegistration issues a fresh challenge for accountID and packages it
// with the relying party, the user handle and the account's existing credentials.
func (r *Registry) BeginRegistration(ctx context.Context, accountID string) (*Registration, error) {
	user, err := r.loadUser(ctx, accountID)
	if err != nil {
		return nil, err
	}

	c, err := r.challenges.Issue(ctx, accountID)
	if err != nil {
		return nil, err
	}

	options, err := r.attestor.CreationOptions(user, c.Value, r.challenges.TTL())
	if err != nil {
		return nil, err
	}

	r.logger.Info("registration started", "account_id", accountID, "existing_devices", len(user.devices))
	return &Registration{Challenge: c, Options: options}, nil
}

// VerifyRegistration checks a client's registration response and records the
// new device. The embedded challenge is consumed before anything else, so a
// response can never be replayed even when a later step fails.
func (r *Registry) VerifyRegistration(ctx context.Context, accountID string, body []byte) (*store.Device, error) {
	resp, err := r.attestor.ParseResponse(body)
	if err != nil {
		return nil, auth.Invalid("credential", "malformed registration response: %v", err)
	}

	ok, err := r.challenges.Consume(ctx, accountID, resp.Challenge)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.logger.Warn("registration challenge rejected", "account_id", accountID)
		return nil, auth.ErrChallengeMismatch
	}

	user, err := r.loadUser(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cred, err := r.attestor.Verify(user, resp.Challenge, resp)
	if err != nil {
		r.logger.Warn("attestation rejected", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("%w: %v", auth.ErrAttestationInvalid, err)
	}

	transports := make([]string, len(cred.Transport))
	for i, t := range cred.Transport {
		transports[i] = string(t)
	}

	device := &store.Device{
		CredentialID:    cred.ID,
		AccountID:       accountID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		Transports:      transports,
		SignCount:       cred.Authenticator.SignCount,
		CreatedAt:       r.now().UTC(),
	}

	if err := r.devices.InsertDevice(ctx, device); err != nil {
		switch {
		case errors.Is(err, store.ErrCredentialExists):
			return nil, auth.ErrDuplicateCredential
		case errors.Is(err, store.ErrNotFound):
			return nil, auth.ErrTokenInvalid
		default:
			return nil, auth.Unavailable("insert device", err)
		}
	}

	r.logger.Info("device registered", "account_id", accountID, "attestation", device.AttestationType)
	return device, nil
}

// RecordSignCount stores the counter an authenticator reported on use. A
// counter that does not increase signals a cloned authenticator.
func (r *Registry) RecordSignCount(ctx context.Context, credentialID []byte, signCount uint32) error {
	err := r.devices.AdvanceSignCount(ctx, credentialID, signCount, r.now().UTC())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrSignCountRegressed):
		r.logger.Warn("sign count did not increase, possible cloned authenticator", "sign_count", signCount)
		return auth.ErrReplayDetected
	case errors.Is(err, store.ErrNotFound):
		return auth.ErrInvalidCredentials
	default:
		return auth.Unavailable("advance sign count", err)
	}
}

// Devices lists the account's enrolled devices.
func (r *Registry) Devices(ctx context.Context, accountID string) ([]*store.Device, error) {
	devices, err := r.devices.ListDevices(ctx, accountID)
	if err != nil {
		return nil, auth.Unavailable("list devices", err)
	}
	return devices, nil
}

func (r *Registry) loadUser(ctx context.Context, accountID string) (*accountUser, error) {
	account, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The token outlived its account.
			return nil, auth.ErrTokenInvalid
		}
		return nil, auth.Unavailable("get account", err)
	}

	devices, err := r.devices.ListDevices(ctx, accountID)
	if err != nil {
		return nil, auth.Unavailable("list devices", err)
	}
	return &accountUser{account: account, devices: devices}, nil
}
