// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// A single mutex makes every operation atomic, matching the guarantees
// the SQL stores get from their conditional statements.
type MockStore struct {
	mu         sync.RWMutex
	accounts   map[string]*Account   // keyed by account ID
	emailIndex map[string]string     // keyed by lowercased email -> account ID
	devices    map[string]*Device    // keyed by string(credentialID)
	challenges map[string]*Challenge // keyed by account ID

	// err, when set, is returned by every operation
	err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts:   make(map[string]*Account),
		emailIndex: make(map[string]string),
		devices:    make(map[string]*Device),
		challenges: make(map[string]*Challenge),
	}
}

// CreateAccount stores a new account.
func (m *MockStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	key := strings.ToLower(account.Email)
	if _, exists := m.emailIndex[key]; exists {
		return ErrEmailExists
	}

	// Make a copy to avoid external modification
	a := *account
	m.accounts[a.ID] = &a
	m.emailIndex[key] = a.ID
	return nil
}

// GetAccount retrieves an account by ID.
func (m *MockStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// GetAccountByEmail retrieves an account by email, compared case-insensitively.
func (m *MockStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	id, ok := m.emailIndex[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.accounts[id]
	return &result, nil
}

// UpdateAccount applies the non-nil fields of update.
func (m *MockStore) UpdateAccount(ctx context.Context, id string, update AccountUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if update.Name != nil {
		a.Name = *update.Name
	}
	if update.WebAuthnEnabled != nil {
		a.WebAuthnEnabled = *update.WebAuthnEnabled
	}
	a.UpdatedAt = time.Now()
	return nil
}

// InsertDevice stores a new device unless its credential id is taken, and
// enables webauthn on the owning account.
func (m *MockStore) InsertDevice(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	key := string(device.CredentialID)
	if _, exists := m.devices[key]; exists {
		return ErrCredentialExists
	}
	account, ok := m.accounts[device.AccountID]
	if !ok {
		return ErrNotFound
	}
	m.devices[key] = copyDevice(device)
	account.WebAuthnEnabled = true
	account.UpdatedAt = time.Now()
	return nil
}

// GetDeviceByCredentialID retrieves a device by credential id.
func (m *MockStore) GetDeviceByCredentialID(ctx context.Context, credentialID []byte) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	d, ok := m.devices[string(credentialID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

// ListDevices returns all devices of an account, oldest first.
func (m *MockStore) ListDevices(ctx context.Context, accountID string) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	var result []*Device
	for _, d := range m.devices {
		if d.AccountID == accountID {
			result = append(result, copyDevice(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AdvanceSignCount stores signCount if it increases on the stored value.
func (m *MockStore) AdvanceSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	d, ok := m.devices[string(credentialID)]
	if !ok {
		return ErrNotFound
	}
	if signCount <= d.SignCount && !(signCount == 0 && d.SignCount == 0) {
		return ErrSignCountRegressed
	}
	d.SignCount = signCount
	used := usedAt
	d.LastUsedAt = &used
	return nil
}

// PutChallenge replaces the account's challenge.
func (m *MockStore) PutChallenge(ctx context.Context, challenge *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	c := *challenge
	c.Value = append([]byte(nil), challenge.Value...)
	m.challenges[c.AccountID] = &c
	return nil
}

// TakeChallenge removes the account's challenge and returns it if it was
// live and matching.
func (m *MockStore) TakeChallenge(ctx context.Context, accountID string, value []byte, now time.Time) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	c, ok := m.challenges[accountID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(m.challenges, accountID)

	if !challengeMatches(c, value, now) {
		return nil, ErrChallengeNotFound
	}
	return c, nil
}

// DeleteExpiredChallenges removes challenges that expired at or before now.
func (m *MockStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}

	var n int64
	for id, c := range m.challenges {
		if !c.Live(now) {
			delete(m.challenges, id)
			n++
		}
	}
	return n, nil
}

// Ping reports the injected error, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// SetErr makes every subsequent operation fail with err (nil restores normal behavior).
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func copyDevice(d *Device) *Device {
	c := *d
	c.CredentialID = append([]byte(nil), d.CredentialID...)
	c.PublicKey = append([]byte(nil), d.PublicKey...)
	c.AAGUID = append([]byte(nil), d.AAGUID...)
	c.Transports = append([]string(nil), d.Transports...)
	if d.LastUsedAt != nil {
		t := *d.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
