// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists accounts, devices and challenges with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width UTC so text columns compare in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers, so DELETE ... RETURNING and
	// check-and-insert are atomic without an in-process lock.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id               TEXT PRIMARY KEY,
			email            TEXT NOT NULL,
			name             TEXT NOT NULL,
			password_hash    TEXT,
			webauthn_enabled INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email
			ON accounts(email COLLATE NOCASE);

		CREATE TABLE IF NOT EXISTS devices (
			credential_id    BLOB PRIMARY KEY,
			account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			public_key       BLOB NOT NULL,
			attestation_type TEXT NOT NULL DEFAULT '',
			aaguid           BLOB,
			transports       TEXT NOT NULL DEFAULT '[]',
			sign_count       INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_account ON devices(account_id);

		CREATE TABLE IF NOT EXISTS challenges (
			account_id TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
			value      BLOB NOT NULL,
			issued_at  TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_challenges_expires ON challenges(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "devices",
			column: "last_used_at",
			apply:  `ALTER TABLE devices ADD COLUMN last_used_at TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE or PRIMARY KEY violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// nullString converts an empty string to NULL for optional columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", column, err)
	}
	return t, nil
}

// CreateAccount inserts a new account.
// Returns ErrEmailExists if the email is already registered (case-insensitive).
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO accounts (id, email, name, password_hash, webauthn_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Email,
		account.Name,
		nullString(account.PasswordHash),
		account.WebAuthnEnabled,
		formatTime(account.CreatedAt),
		formatTime(account.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("created account", "id", account.ID)
	return nil
}

const accountColumns = `id, email, name, password_hash, webauthn_enabled, created_at, updated_at`

// GetAccount retrieves an account by ID.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByEmail retrieves an account by email, compared case-insensitively.
// Returns ErrNotFound if no account uses the email.
func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ? COLLATE NOCASE`, email)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var account Account
	var passwordHash sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Name,
		&passwordHash,
		&account.WebAuthnEnabled,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	account.PasswordHash = passwordHash.String
	if account.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if account.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateAccount applies the non-nil fields of update.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, id string, update AccountUpdate) error {
	query := `
		UPDATE accounts
		SET name = COALESCE(?, name),
		    webauthn_enabled = COALESCE(?, webauthn_enabled),
		    updated_at = ?
		WHERE id = ?
	`

	var name, enabled any
	if update.Name != nil {
		name = *update.Name
	}
	if update.WebAuthnEnabled != nil {
		enabled = *update.WebAuthnEnabled
	}

	result, err := s.db.ExecContext(ctx, query, name, enabled, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertDevice stores a new device.
// Returns ErrCredentialExists if the credential id is registered under any account.
func (s *SQLiteStore) InsertDevice(ctx context.Context, device *Device) error {
	transports, err := json.Marshal(nonNilStrings(device.Transports))
	if err != nil {
		return fmt.Errorf("encoding transports: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE accounts SET webauthn_enabled = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), device.AccountID)
	if err != nil {
		return fmt.Errorf("enabling webauthn: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	query := `
		INSERT INTO devices (credential_id, account_id, public_key, attestation_type, aaguid, transports, sign_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		device.CredentialID,
		device.AccountID,
		device.PublicKey,
		device.AttestationType,
		device.AAGUID,
		string(transports),
		int64(device.SignCount),
		formatTime(device.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device: %w", err)
	}

	s.logger.Debug("inserted device", "account_id", device.AccountID)
	return nil
}

const deviceColumns = `credential_id, account_id, public_key, attestation_type, aaguid, transports, sign_count, created_at, last_used_at`

// GetDeviceByCredentialID retrieves a device by its credential id.
// Returns ErrNotFound if no device uses the credential id.
func (s *SQLiteStore) GetDeviceByCredentialID(ctx context.Context, credentialID []byte) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE credential_id = ?`, credentialID)
	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return device, err
}

// ListDevices returns all devices of an account, oldest first.
func (s *SQLiteStore) ListDevices(ctx context.Context, accountID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE account_id = ? ORDER BY created_at ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var device Device
	var transports, createdAtStr string
	var lastUsedAt sql.NullString
	var signCount int64

	err := row.Scan(
		&device.CredentialID,
		&device.AccountID,
		&device.PublicKey,
		&device.AttestationType,
		&device.AAGUID,
		&transports,
		&signCount,
		&createdAtStr,
		&lastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	device.SignCount = uint32(signCount)
	if err := json.Unmarshal([]byte(transports), &device.Transports); err != nil {
		return nil, fmt.Errorf("decoding transports: %w", err)
	}
	if device.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		t, err := parseTime("last_used_at", lastUsedAt.String)
		if err != nil {
			return nil, err
		}
		device.LastUsedAt = &t
	}
	return &device, nil
}

// AdvanceSignCount stores a new sign count in one conditional update.
func (s *SQLiteStore) AdvanceSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	query := `
		UPDATE devices
		SET sign_count = ?, last_used_at = ?
		WHERE credential_id = ? AND (sign_count < ? OR (sign_count = 0 AND ? = 0))
	`

	count := int64(signCount)
	result, err := s.db.ExecContext(ctx, query, count, formatTime(usedAt), credentialID, count, count)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Nothing updated: either the device is unknown or the counter regressed.
	if _, err := s.GetDeviceByCredentialID(ctx, credentialID); err != nil {
		return err
	}
	return ErrSignCountRegressed
}

// PutChallenge replaces the account's challenge.
func (s *SQLiteStore) PutChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		INSERT INTO challenges (account_id, value, issued_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			value = excluded.value,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at
	`

	_, err := s.db.ExecContext(ctx, query,
		challenge.AccountID,
		challenge.Value,
		formatTime(challenge.IssuedAt),
		formatTime(challenge.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// TakeChallenge removes the account's challenge with a single DELETE ... RETURNING
// and returns it if it was live and matching.
func (s *SQLiteStore) TakeChallenge(ctx context.Context, accountID string, value []byte, now time.Time) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM challenges
		WHERE account_id = ?
		RETURNING value, issued_at, expires_at`,
		accountID)

	c := Challenge{AccountID: accountID}
	var issuedAtStr, expiresAtStr string
	err := row.Scan(&c.Value, &issuedAtStr, &expiresAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking challenge: %w", err)
	}

	if c.IssuedAt, err = parseTime("issued_at", issuedAtStr); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime("expires_at", expiresAtStr); err != nil {
		return nil, err
	}

	if !challengeMatches(&c, value, now) {
		return nil, ErrChallengeNotFound
	}
	return &c, nil
}

// DeleteExpiredChallenges removes challenges that expired at or before now.
func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired challenges: %w", err)
	}
	return result.RowsAffected()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
