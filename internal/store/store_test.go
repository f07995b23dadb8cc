// ABOUTME: Behavioural test suite shared by every Store implementation
// ABOUTME: Covers uniqueness, single-use challenges and sign count monotonicity

package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises a Store implementation. Ids and emails are random so
// the suite can run against a shared database.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetAccount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		account := newAccount(t, s, "hashed-password")

		got, err := s.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, account.Email, got.Email)
		assert.Equal(t, account.Name, got.Name)
		assert.Equal(t, "hashed-password", got.PasswordHash)
		assert.False(t, got.WebAuthnEnabled)
		assert.WithinDuration(t, account.CreatedAt, got.CreatedAt, time.Second)

		byEmail, err := s.GetAccountByEmail(ctx, account.Email)
		require.NoError(t, err)
		assert.Equal(t, account.ID, byEmail.ID)
	})

	t.Run("AccountWithoutPassword", func(t *testing.T) {
		s := newStore(t)
		account := newAccount(t, s, "")

		got, err := s.GetAccount(context.Background(), account.ID)
		require.NoError(t, err)
		assert.Empty(t, got.PasswordHash)
	})

	t.Run("GetAccount_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetAccount(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetAccountByEmail(ctx, uuid.NewString()+"@nowhere.test")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateEmail_CaseInsensitive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		original := newAccount(t, s, "original-hash")

		dup := &Account{
			ID:           uuid.NewString(),
			Email:        strings.ToUpper(original.Email),
			Name:         "Imposter",
			PasswordHash: "other-hash",
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		err := s.CreateAccount(ctx, dup)
		require.ErrorIs(t, err, ErrEmailExists)

		got, err := s.GetAccount(ctx, original.ID)
		require.NoError(t, err)
		assert.Equal(t, "original-hash", got.PasswordHash)

		_, err = s.GetAccount(ctx, dup.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		byEmail, err := s.GetAccountByEmail(ctx, strings.ToUpper(original.Email))
		require.NoError(t, err)
		assert.Equal(t, original.ID, byEmail.ID)
	})

	t.Run("UpdateAccount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "hash")

		enabled := true
		require.NoError(t, s.UpdateAccount(ctx, account.ID, AccountUpdate{WebAuthnEnabled: &enabled}))

		got, err := s.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, got.WebAuthnEnabled)
		assert.Equal(t, account.Name, got.Name)
		assert.Equal(t, "hash", got.PasswordHash)

		name := "Renamed"
		require.NoError(t, s.UpdateAccount(ctx, account.ID, AccountUpdate{Name: &name}))
		got, err = s.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.True(t, got.WebAuthnEnabled)

		err = s.UpdateAccount(ctx, uuid.NewString(), AccountUpdate{Name: &name})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InsertAndListDevices", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")

		first := newDevice(account.ID, time.Now().Add(-time.Minute))
		first.Transports = []string{"usb", "nfc"}
		second := newDevice(account.ID, time.Now())
		require.NoError(t, s.InsertDevice(ctx, first))
		require.NoError(t, s.InsertDevice(ctx, second))

		got, err := s.GetDeviceByCredentialID(ctx, first.CredentialID)
		require.NoError(t, err)
		assert.Equal(t, account.ID, got.AccountID)
		assert.Equal(t, first.PublicKey, got.PublicKey)
		assert.Equal(t, []string{"usb", "nfc"}, got.Transports)
		assert.Equal(t, uint32(3), got.SignCount)
		assert.Nil(t, got.LastUsedAt)

		devices, err := s.ListDevices(ctx, account.ID)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, first.CredentialID, devices[0].CredentialID)
		assert.Equal(t, second.CredentialID, devices[1].CredentialID)

		none, err := s.ListDevices(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, none)

		_, err = s.GetDeviceByCredentialID(ctx, []byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateCredentialAcrossAccounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := newAccount(t, s, "")
		other := newAccount(t, s, "")

		device := newDevice(owner.ID, time.Now())
		require.NoError(t, s.InsertDevice(ctx, device))

		stolen := newDevice(other.ID, time.Now())
		stolen.CredentialID = device.CredentialID
		stolen.PublicKey = []byte("other-key")
		require.ErrorIs(t, s.InsertDevice(ctx, stolen), ErrCredentialExists)

		got, err := s.GetDeviceByCredentialID(ctx, device.CredentialID)
		require.NoError(t, err)
		assert.Equal(t, owner.ID, got.AccountID)
		assert.Equal(t, device.PublicKey, got.PublicKey)

		// the rejected insert must not enable the other account
		otherAfter, err := s.GetAccount(ctx, other.ID)
		require.NoError(t, err)
		assert.False(t, otherAfter.WebAuthnEnabled)
	})

	t.Run("InsertDeviceEnablesAccount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")

		before, err := s.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		require.False(t, before.WebAuthnEnabled)

		require.NoError(t, s.InsertDevice(ctx, newDevice(account.ID, time.Now())))

		after, err := s.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, after.WebAuthnEnabled)

		orphan := newDevice(uuid.NewString(), time.Now())
		assert.ErrorIs(t, s.InsertDevice(ctx, orphan), ErrNotFound)
		_, err = s.GetDeviceByCredentialID(ctx, orphan.CredentialID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AdvanceSignCount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")
		device := newDevice(account.ID, time.Now())
		require.NoError(t, s.InsertDevice(ctx, device))

		require.NoError(t, s.AdvanceSignCount(ctx, device.CredentialID, 4, time.Now()))
		assert.ErrorIs(t, s.AdvanceSignCount(ctx, device.CredentialID, 4, time.Now()), ErrSignCountRegressed)
		assert.ErrorIs(t, s.AdvanceSignCount(ctx, device.CredentialID, 2, time.Now()), ErrSignCountRegressed)
		assert.ErrorIs(t, s.AdvanceSignCount(ctx, []byte("missing"), 9, time.Now()), ErrNotFound)

		got, err := s.GetDeviceByCredentialID(ctx, device.CredentialID)
		require.NoError(t, err)
		assert.Equal(t, uint32(4), got.SignCount)
		assert.NotNil(t, got.LastUsedAt)
	})

	t.Run("AdvanceSignCount_NonCountingAuthenticator", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")
		device := newDevice(account.ID, time.Now())
		device.SignCount = 0
		require.NoError(t, s.InsertDevice(ctx, device))

		assert.NoError(t, s.AdvanceSignCount(ctx, device.CredentialID, 0, time.Now()))
		assert.NoError(t, s.AdvanceSignCount(ctx, device.CredentialID, 0, time.Now()))
	})

	t.Run("TakeChallenge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")
		now := time.Now()

		c := newChallenge(account.ID, "value-1", now, time.Minute)
		require.NoError(t, s.PutChallenge(ctx, c))

		got, err := s.TakeChallenge(ctx, account.ID, []byte("value-1"), now)
		require.NoError(t, err)
		assert.Equal(t, []byte("value-1"), got.Value)
		assert.Equal(t, account.ID, got.AccountID)

		// single use
		_, err = s.TakeChallenge(ctx, account.ID, []byte("value-1"), now)
		assert.ErrorIs(t, err, ErrChallengeNotFound)
	})

	t.Run("TakeChallenge_WrongValueSpendsChallenge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")
		now := time.Now()

		require.NoError(t, s.PutChallenge(ctx, newChallenge(account.ID, "value-1", now, time.Minute)))

		_, err := s.TakeChallenge(ctx, account.ID, []byte("guess"), now)
		require.ErrorIs(t, err, ErrChallengeNotFound)

		_, err = s.TakeChallenge(ctx, account.ID, []byte("value-1"), now)
		assert.ErrorIs(t, err, ErrChallengeNotFound)
	})

	t.Run("TakeChallenge_Expired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")
		now := time.Now()

		require.NoError(t, s.PutChallenge(ctx, newChallenge(account.ID, "value-1", now, time.Minute)))

		_, err := s.TakeChallenge(ctx, account.ID, []byte("value-1"), now.Add(time.Minute))
		assert.ErrorIs(t, err, ErrChallengeNotFound)

		// an expired challenge is removed even when presented with the wrong value
		require.NoError(t, s.PutChallenge(ctx, newChallenge(account.ID, "value-2", now, time.Minute)))
		_, err = s.TakeChallenge(ctx, account.ID, []byte("guess"), now.Add(2*time.Minute))
		require.ErrorIs(t, err, ErrChallengeNotFound)
		n, err := s.DeleteExpiredChallenges(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("PutChallenge_ReplacesPrevious", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")
		now := time.Now()

		require.NoError(t, s.PutChallenge(ctx, newChallenge(account.ID, "first", now, time.Minute)))
		require.NoError(t, s.PutChallenge(ctx, newChallenge(account.ID, "second", now, time.Minute)))

		got, err := s.TakeChallenge(ctx, account.ID, []byte("second"), now)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got.Value)

		require.NoError(t, s.PutChallenge(ctx, newChallenge(account.ID, "third", now, time.Minute)))
		_, err = s.TakeChallenge(ctx, account.ID, []byte("second"), now)
		assert.ErrorIs(t, err, ErrChallengeNotFound)
	})

	t.Run("TakeChallenge_Concurrent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		account := newAccount(t, s, "")
		now := time.Now()

		require.NoError(t, s.PutChallenge(ctx, newChallenge(account.ID, "contested", now, time.Minute)))

		const attempts = 16
		var wg sync.WaitGroup
		results := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TakeChallenge(ctx, account.ID, []byte("contested"), now)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		successes := 0
		for err := range results {
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrChallengeNotFound):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, successes)
	})

	t.Run("DeleteExpiredChallenges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		live := newAccount(t, s, "")
		stale := newAccount(t, s, "")
		now := time.Now()

		require.NoError(t, s.PutChallenge(ctx, newChallenge(live.ID, "live", now, time.Hour)))
		require.NoError(t, s.PutChallenge(ctx, newChallenge(stale.ID, "stale", now.Add(-2*time.Minute), time.Minute)))

		n, err := s.DeleteExpiredChallenges(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		_, err = s.TakeChallenge(ctx, live.ID, []byte("live"), now)
		assert.NoError(t, err)
	})
}

func newAccount(t *testing.T, s Store, passwordHash string) *Account {
	t.Helper()
	now := time.Now().UTC()
	account := &Account{
		ID:           uuid.NewString(),
		Email:        "user-" + uuid.NewString() + "@example.com",
		Name:         "Test User",
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateAccount(context.Background(), account))
	return account
}

func newDevice(accountID string, createdAt time.Time) *Device {
	return &Device{
		CredentialID:    []byte(uuid.NewString()),
		AccountID:       accountID,
		PublicKey:       []byte("public-key-" + accountID),
		AttestationType: "none",
		AAGUID:          make([]byte, 16),
		SignCount:       3,
		CreatedAt:       createdAt.UTC(),
	}
}

func newChallenge(accountID, value string, issuedAt time.Time, ttl time.Duration) *Challenge {
	return &Challenge{
		AccountID: accountID,
		Value:     []byte(value),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}
}
