// ABOUTME: Issues and single-use validates device registration challenges
// ABOUTME: One live challenge per account, consumed atomically through the challenge store

package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/store"
)

// DefaultTTL is how long an issued challenge stays usable.
const DefaultTTL = 60 * time.Second

// Manager generates, stores and consumes registration challenges.
type Manager struct {
	store  store.ChallengeStore
	ttl    time.Duration
	now    func() time.Time
	random func() ([]byte, error)
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the challenge lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager backed by s.
func NewManager(s store.ChallengeStore, opts ...Option) *Manager {
	m := &Manager{
		store: s,
		ttl:   DefaultTTL,
		now:   time.Now,
		random: func() ([]byte, error) {
			return protocol.CreateChallenge()
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "challenge")
	return m
}

// TTL returns the configured challenge lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a fresh challenge for accountID. Any challenge previously
// issued to the account stops being usable.
func (m *Manager) Issue(ctx context.Context, accountID string) (*store.Challenge, error) {
	value, err := m.random()
	if err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}

	now := m.now()
	c := &store.Challenge{
		AccountID: accountID,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.PutChallenge(ctx, c); err != nil {
		return nil, auth.Unavailable("store challenge", err)
	}

	m.logger.Debug("issued challenge", "account_id", accountID, "expires_at", c.ExpiresAt)
	return c, nil
}

// Consume takes the account's challenge and reports whether it was live and
// equal to presented. The challenge is gone afterwards whatever the outcome,
// even if the caller's later checks fail. An error is returned only when the
// store fails.
func (m *Manager) Consume(ctx context.Context, accountID string, presented []byte) (bool, error) {
	_, err := m.store.TakeChallenge(ctx, accountID, presented, m.now())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrChallengeNotFound):
		m.logger.Debug("challenge rejected", "account_id", accountID)
		return false, nil
	default:
		return false, auth.Unavailable("take challenge", err)
	}
}

// Sweep deletes challenges that expired and were never consumed.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredChallenges(ctx, m.now())
	if err != nil {
		return 0, auth.Unavailable("sweep challenges", err)
	}
	if n > 0 {
		m.logger.Debug("swept expired challenges", "count", n)
	}
	return n, nil
}

// RunJanitor calls Sweep every interval until ctx is done. Expiry is enforced
// on Consume regardless, so the janitor only bounds table growth.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("challenge sweep failed", "error", err)
			}
		}
	}
}
