// ABOUTME: PostgreSQL implementation of the Store interface using pgx and goose
// ABOUTME: Serves multi-instance deployments where several servers share one database

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and applies the embedded migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := runPostgresMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("PostgreSQL store initialized")
	return &PostgresStore{db: db, logger: logger}, nil
}

func runPostgresMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations/postgres")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL store")
	return s.db.Close()
}

// CreateAccount inserts a new account.
// Returns ErrEmailExists if the email is already registered (case-insensitive).
func (s *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, webauthn_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID,
		account.Email,
		account.Name,
		nullString(account.PasswordHash),
		account.WebAuthnEnabled,
		account.CreatedAt.UTC(),
		account.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("created account", "id", account.ID)
	return nil
}

// GetAccount retrieves an account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanPostgresAccount(row)
}

// GetAccountByEmail retrieves an account by email, compared case-insensitively.
func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email)
	return scanPostgresAccount(row)
}

func scanPostgresAccount(row *sql.Row) (*Account, error) {
	var account Account
	var passwordHash sql.NullString

	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Name,
		&passwordHash,
		&account.WebAuthnEnabled,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	account.PasswordHash = passwordHash.String
	return &account, nil
}

// UpdateAccount applies the non-nil fields of update.
func (s *PostgresStore) UpdateAccount(ctx context.Context, id string, update AccountUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET name = COALESCE($1, name),
		    webauthn_enabled = COALESCE($2, webauthn_enabled),
		    updated_at = $3
		WHERE id = $4`,
		update.Name, update.WebAuthnEnabled, time.Now().UTC(), id,
	)
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

// InsertDevice stores a new device and enables webauthn on its account in one transaction.
// Returns ErrCredentialExists if the credential id is registered under any account.
func (s *PostgresStore) InsertDevice(ctx context.Context, device *Device) error {
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
		`UPDATE accounts SET webauthn_enabled = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), device.AccountID)
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (credential_id, account_id, public_key, attestation_type, aaguid, transports, sign_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		device.CredentialID,
		device.AccountID,
		device.PublicKey,
		device.AttestationType,
		device.AAGUID,
		string(transports),
		int64(device.SignCount),
		device.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
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

// GetDeviceByCredentialID retrieves a device by its credential id.
func (s *PostgresStore) GetDeviceByCredentialID(ctx context.Context, credentialID []byte) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE credential_id = $1`, credentialID)
	device, err := scanPostgresDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return device, err
}

// ListDevices returns all devices of an account, oldest first.
func (s *PostgresStore) ListDevices(ctx context.Context, accountID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE account_id = $1 ORDER BY created_at ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanPostgresDevice(rows)
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

func scanPostgresDevice(row rowScanner) (*Device, error) {
	var device Device
	var transports string
	var lastUsedAt sql.NullTime
	var signCount int64

	err := row.Scan(
		&device.CredentialID,
		&device.AccountID,
		&device.PublicKey,
		&device.AttestationType,
		&device.AAGUID,
		&transports,
		&signCount,
		&device.CreatedAt,
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
	if lastUsedAt.Valid {
		device.LastUsedAt = &lastUsedAt.Time
	}
	return &device, nil
}

// AdvanceSignCount stores a new sign count in one conditional update.
func (s *PostgresStore) AdvanceSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET sign_count = $1, last_used_at = $2
		WHERE credential_id = $3 AND (sign_count < $1 OR (sign_count = 0 AND $1 = 0))`,
		int64(signCount), usedAt.UTC(), credentialID,
	)
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

	if _, err := s.GetDeviceByCredentialID(ctx, credentialID); err != nil {
		return err
	}
	return ErrSignCountRegressed
}

// PutChallenge replaces the account's challenge.
func (s *PostgresStore) PutChallenge(ctx context.Context, challenge *Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (account_id, value, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			value = EXCLUDED.value,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at`,
		challenge.AccountID,
		challenge.Value,
		challenge.IssuedAt.UTC(),
		challenge.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// TakeChallenge removes the account's challenge with a single DELETE ... RETURNING.
// The row lock taken by the delete makes a concurrent take see no row.
func (s *PostgresStore) TakeChallenge(ctx context.Context, accountID string, value []byte, now time.Time) (*Challenge, error) {
	c := Challenge{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM challenges
		WHERE account_id = $1
		RETURNING value, issued_at, expires_at`,
		accountID,
	).Scan(&c.Value, &c.IssuedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking challenge: %w", err)
	}

	if !challengeMatches(&c, value, now) {
		return nil, ErrChallengeNotFound
	}
	return &c, nil
}

// DeleteExpiredChallenges removes challenges that expired at or before now.
func (s *PostgresStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired challenges: %w", err)
	}
	return result.RowsAffected()
}
