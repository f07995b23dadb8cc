// ABOUTME: Tests for the authenticator registry
// ABOUTME: Covers the full registration ceremony, replay, expiry, duplicates and sign counts

package passkey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/challenge"
	"github.com/2389/sigil/internal/store"
)

type registryFixture struct {
	store    *store.MockStore
	registry *Registry
	now      time.Time
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	f := &registryFixture{
		store: store.NewMockStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	challenges := challenge.NewManager(f.store, challenge.WithClock(clock))
	f.registry = NewRegistry(f.store, f.store, challenges, newTestAttestor(t, false), WithClock(clock))
	return f
}

func (f *registryFixture) addAccount(t *testing.T, id, email string) {
	t.Helper()
	require.NoError(t, f.store.CreateAccount(context.Background(), &store.Account{
		ID:        id,
		Email:     email,
		Name:      "Test",
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}))
}

func TestBeginRegistration(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()

	reg, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, reg.Challenge.Value, 32)
	assert.Equal(t, f.now.Add(challenge.DefaultTTL), reg.Challenge.ExpiresAt)
	assert.Equal(t, reg.Challenge.Value, []byte(reg.Options.Response.Challenge))
	assert.Equal(t, int(challenge.DefaultTTL.Milliseconds()), reg.Options.Response.Timeout)
}

func TestBeginRegistrationUnknownAccount(t *testing.T) {
	f := newRegistryFixture(t)

	_, err := f.registry.BeginRegistration(context.Background(), "ghost")
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestVerifyRegistration(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)

	reg, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	body, err := authn.Register(reg.Challenge.Value)
	require.NoError(t, err)

	device, err := f.registry.VerifyRegistration(ctx, "acct-1", body)
	require.NoError(t, err)
	assert.Equal(t, authn.CredentialID(), device.CredentialID)
	assert.Equal(t, "acct-1", device.AccountID)
	assert.Equal(t, "none", device.AttestationType)
	assert.Equal(t, []string{"internal", "hybrid"}, device.Transports)

	stored, err := f.store.GetDeviceByCredentialID(ctx, authn.CredentialID())
	require.NoError(t, err)
	assert.Equal(t, device.PublicKey, stored.PublicKey)

	account, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.WebAuthnEnabled)

	t.Run("replayed response is rejected", func(t *testing.T) {
		_, err := f.registry.VerifyRegistration(ctx, "acct-1", body)
		assert.ErrorIs(t, err, auth.ErrChallengeMismatch)
	})

	t.Run("existing device is excluded from new options", func(t *testing.T) {
		reg, err := f.registry.BeginRegistration(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, reg.Options.Response.CredentialExcludeList, 1)
		assert.Equal(t, authn.CredentialID(), []byte(reg.Options.Response.CredentialExcludeList[0].CredentialID))
	})
}

func TestVerifyRegistrationWithoutChallenge(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	authn := newTestAuthenticator(t)

	body, err := authn.Register([]byte("never-issued-challenge-32-bytes!"))
	require.NoError(t, err)

	_, err = f.registry.VerifyRegistration(context.Background(), "acct-1", body)
	assert.ErrorIs(t, err, auth.ErrChallengeMismatch)
}

func TestVerifyRegistrationExpiredChallenge(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)

	reg, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	body, err := authn.Register(reg.Challenge.Value)
	require.NoError(t, err)

	f.now = f.now.Add(challenge.DefaultTTL + time.Second)

	_, err = f.registry.VerifyRegistration(ctx, "acct-1", body)
	assert.ErrorIs(t, err, auth.ErrChallengeMismatch)
}

func TestVerifyRegistrationSupersededChallenge(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)

	first, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	_, err = f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)

	body, err := authn.Register(first.Challenge.Value)
	require.NoError(t, err)

	_, err = f.registry.VerifyRegistration(ctx, "acct-1", body)
	assert.ErrorIs(t, err, auth.ErrChallengeMismatch)
}

func TestVerifyRegistrationChallengeOfAnotherAccount(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	f.addAccount(t, "acct-2", "bob@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)

	reg, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	body, err := authn.Register(reg.Challenge.Value)
	require.NoError(t, err)

	_, err = f.registry.VerifyRegistration(ctx, "acct-2", body)
	assert.ErrorIs(t, err, auth.ErrChallengeMismatch)
}

func TestVerifyRegistrationInvalidAttestation(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)
	authn.Origin = "https://phish.example"

	reg, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	body, err := authn.Register(reg.Challenge.Value)
	require.NoError(t, err)

	_, err = f.registry.VerifyRegistration(ctx, "acct-1", body)
	assert.ErrorIs(t, err, auth.ErrAttestationInvalid)

	devices, err := f.store.ListDevices(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, devices)

	// The challenge was spent by the failed attempt.
	authn.Origin = testOrigin
	body, err = authn.Register(reg.Challenge.Value)
	require.NoError(t, err)
	_, err = f.registry.VerifyRegistration(ctx, "acct-1", body)
	assert.ErrorIs(t, err, auth.ErrChallengeMismatch)
}

func TestVerifyRegistrationDuplicateCredential(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	f.addAccount(t, "acct-2", "bob@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)

	reg, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	body, err := authn.Register(reg.Challenge.Value)
	require.NoError(t, err)
	_, err = f.registry.VerifyRegistration(ctx, "acct-1", body)
	require.NoError(t, err)

	reg, err = f.registry.BeginRegistration(ctx, "acct-2")
	require.NoError(t, err)
	body, err = authn.Register(reg.Challenge.Value)
	require.NoError(t, err)

	_, err = f.registry.VerifyRegistration(ctx, "acct-2", body)
	assert.ErrorIs(t, err, auth.ErrDuplicateCredential)

	account, err := f.store.GetAccount(ctx, "acct-2")
	require.NoError(t, err)
	assert.False(t, account.WebAuthnEnabled)
}

func TestVerifyRegistrationMalformedBody(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")

	_, err := f.registry.VerifyRegistration(context.Background(), "acct-1", []byte(`{"id":""}`))
	require.Error(t, err)
	assert.Equal(t, auth.KindValidation, auth.KindOf(err))
}

func TestVerifyRegistrationStoreUnavailable(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)

	reg, err := f.registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	body, err := authn.Register(reg.Challenge.Value)
	require.NoError(t, err)

	f.store.SetErr(errors.New("disk on fire"))
	_, err = f.registry.VerifyRegistration(ctx, "acct-1", body)
	assert.ErrorIs(t, err, auth.ErrStoreUnavailable)
}

func TestRecordSignCount(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()
	credID := []byte("cred-1")
	require.NoError(t, f.store.InsertDevice(ctx, &store.Device{
		CredentialID: credID,
		AccountID:    "acct-1",
		PublicKey:    []byte("pk"),
		SignCount:    5,
		CreatedAt:    f.now,
	}))

	require.NoError(t, f.registry.RecordSignCount(ctx, credID, 6))

	device, err := f.store.GetDeviceByCredentialID(ctx, credID)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), device.SignCount)
	require.NotNil(t, device.LastUsedAt)

	assert.ErrorIs(t, f.registry.RecordSignCount(ctx, credID, 6), auth.ErrReplayDetected)
	assert.ErrorIs(t, f.registry.RecordSignCount(ctx, credID, 2), auth.ErrReplayDetected)
	assert.ErrorIs(t, f.registry.RecordSignCount(ctx, []byte("nope"), 9), auth.ErrInvalidCredentials)
}

func TestDevices(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")

	devices, err := f.registry.Devices(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

// noAccountUpdates fails every UpdateAccount call.
type noAccountUpdates struct {
	*store.MockStore
}

func (noAccountUpdates) UpdateAccount(context.Context, string, store.AccountUpdate) error {
	return errors.New("accounts table locked")
}

func TestVerifyRegistrationEnablesAccountWithDevice(t *testing.T) {
	f := newRegistryFixture(t)
	f.addAccount(t, "acct-1", "ada@example.com")
	ctx := context.Background()
	authn := newTestAuthenticator(t)

	accounts := noAccountUpdates{f.store}
	challenges := challenge.NewManager(f.store, challenge.WithClock(func() time.Time { return f.now }))
	registry := NewRegistry(accounts, accounts, challenges, newTestAttestor(t, false), WithClock(func() time.Time { return f.now }))

	reg, err := registry.BeginRegistration(ctx, "acct-1")
	require.NoError(t, err)
	body, err := authn.Register(reg.Challenge.Value)
	require.NoError(t, err)

	_, err = registry.VerifyRegistration(ctx, "acct-1", body)
	require.NoError(t, err)

	account, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.WebAuthnEnabled)
}
