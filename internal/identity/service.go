// ABOUTME: Orchestrates the password, Google and passkey flows into one result type
// ABOUTME: Every successful sign-in returns a session token plus the account profile

package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/federated"
	"github.com/2389/sigil/internal/passkey"
	"github.com/2389/sigil/internal/store"
)

// MaxNameLength bounds display names, counted in characters.
const MaxNameLength = 255

const tracerName = "github.com/2389/sigil/internal/identity"

// Profile is the public view of an account.
type Profile struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	WebAuthnEnabled bool   `json:"webauthnEnabled"`
}

// Result is returned by every successful sign-in.
type Result struct {
	Token     string
	ExpiresAt time.Time
	Profile   Profile
}

// RegisterRequest creates a password account.
type RegisterRequest struct {
	Name     string
	Email    string
	Password string
}

// LoginRequest signs in with a password.
type LoginRequest struct {
	Email    string
	Password string
}

// Deps are the components the service composes.
type Deps struct {
	Accounts  store.AccountStore
	Tokens    *auth.TokenService
	Passwords *auth.PasswordHasher
	// Federated verifies Google ID tokens. Nil disables Google sign-in.
	Federated federated.Verifier
	Registry  *passkey.Registry
}

// Service implements the sign-in and device registration flows. It holds no
// state between calls; challenges and accounts live in the store.
type Service struct {
	accounts  store.AccountStore
	tokens    *auth.TokenService
	passwords *auth.PasswordHasher
	federated federated.Verifier
	registry  *passkey.Registry
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service.
func New(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts:  deps.Accounts,
		tokens:    deps.Tokens,
		passwords: deps.Passwords,
		federated: deps.Federated,
		registry:  deps.Registry,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With("component", "identity"),
		now:       time.Now,
	}
}

// Register creates a password account and signs it in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.Register")
	defer func() { endSpan(span, err) }()

	name, err := validateName(req.Name)
	if err != nil {
		return nil, err
	}
	if err := auth.ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return nil, err
	}
	email := auth.NormalizeEmail(req.Email)

	// The unique index is the real guard; this only spares a bcrypt round.
	if _, err := s.accounts.GetAccountByEmail(ctx, email); err == nil {
		return nil, auth.ErrDuplicateAccount
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, auth.Unavailable("get account by email", err)
	}

	hash, err := s.passwords.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	account, err := s.createAccount(ctx, email, name, hash)
	if err != nil {
		return nil, err
	}

	s.logger.Info("account registered", "account_id", account.ID, "method", "password")
	return s.issue(span, account)
}

// Login signs in with email and password. Every failure is
// ErrInvalidCredentials, whether the account is missing, has no password or
// the password is wrong, and each case costs one bcrypt comparison.
func (s *Service) Login(ctx context.Context, req LoginRequest) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.Login")
	defer func() { endSpan(span, err) }()

	if err := auth.ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, auth.Invalid("password", "is required")
	}

	var hash string
	account, err := s.accounts.GetAccountByEmail(ctx, auth.NormalizeEmail(req.Email))
	switch {
	case err == nil:
		hash = account.PasswordHash
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, auth.Unavailable("get account by email", err)
	}

	// Verify with an empty hash still runs bcrypt against a dummy.
	if !s.passwords.Verify(req.Password, hash) || account == nil {
		s.logger.Info("login rejected", "method", "password")
		return nil, auth.ErrInvalidCredentials
	}

	s.logger.Info("login succeeded", "account_id", account.ID, "method", "password")
	return s.issue(span, account)
}

// LoginWithGoogle verifies a Google ID token and signs in the account with
// the token's verified email, creating a password-less account on first use.
func (s *Service) LoginWithGoogle(ctx context.Context, idToken string) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.LoginWithGoogle")
	defer func() { endSpan(span, err) }()

	if s.federated == nil {
		return nil, auth.Invalid("token", "google sign-in is not enabled")
	}
	if strings.TrimSpace(idToken) == "" {
		return nil, auth.Invalid("token", "is required")
	}

	claims, err := s.federated.Verify(ctx, idToken)
	if err != nil {
		s.logger.Info("google token rejected", "error", err)
		return nil, err
	}
	email := auth.NormalizeEmail(claims.Email)

	account, err := s.accounts.GetAccountByEmail(ctx, email)
	switch {
	case err == nil:
		s.logger.Info("login succeeded", "account_id", account.ID, "method", "google")
		return s.issue(span, account)
	case !errors.Is(err, store.ErrNotFound):
		return nil, auth.Unavailable("get account by email", err)
	}

	account, err = s.createAccount(ctx, email, federatedName(claims), "")
	if errors.Is(err, auth.ErrDuplicateAccount) {
		// A concurrent login created it first.
		account, err = s.accounts.GetAccountByEmail(ctx, email)
		if err != nil {
			return nil, auth.Unavailable("get account by email", err)
		}
	} else if err != nil {
		return nil, err
	} else {
		s.logger.Info("account registered", "account_id", account.ID, "method", "google")
	}

	return s.issue(span, account)
}

// BeginDeviceRegistration starts passkey registration for the signed-in account.
func (s *Service) BeginDeviceRegistration(ctx context.Context) (reg *passkey.Registration, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.BeginDeviceRegistration")
	defer func() { endSpan(span, err) }()

	caller := auth.FromContext(ctx)
	if caller == nil {
		return nil, auth.ErrTokenInvalid
	}
	span.SetAttributes(attribute.String("account.id", caller.AccountID))

	return s.registry.BeginRegistration(ctx, caller.AccountID)
}

// FinishDeviceRegistration verifies the browser's registration response for
// the signed-in account and records the device.
func (s *Service) FinishDeviceRegistration(ctx context.Context, body []byte) (device *store.Device, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.FinishDeviceRegistration")
	defer func() { endSpan(span, err) }()

	caller := auth.FromContext(ctx)
	if caller == nil {
		return nil, auth.ErrTokenInvalid
	}
	span.SetAttributes(attribute.String("account.id", caller.AccountID))

	return s.registry.VerifyRegistration(ctx, caller.AccountID, body)
}

// RecordSignCount stores the counter a device reported during authentication.
func (s *Service) RecordSignCount(ctx context.Context, credentialID []byte, signCount uint32) (err error) {
	ctx, span := s.tracer.Start(ctx, "identity.RecordSignCount")
	defer func() { endSpan(span, err) }()

	return s.registry.RecordSignCount(ctx, credentialID, signCount)
}

// Authenticate verifies a session token.
func (s *Service) Authenticate(token string) (*auth.Claims, error) {
	return s.tokens.Verify(token)
}

// Profile returns the signed-in account's profile.
func (s *Service) Profile(ctx context.Context) (*Profile, error) {
	caller := auth.FromContext(ctx)
	if caller == nil {
		return nil, auth.ErrTokenInvalid
	}

	account, err := s.accounts.GetAccount(ctx, caller.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, auth.ErrTokenInvalid
		}
		return nil, auth.Unavailable("get account", err)
	}
	profile := profileOf(account)
	return &profile, nil
}

func (s *Service) createAccount(ctx context.Context, email, name, passwordHash string) (*store.Account, error) {
	now := s.now().UTC()
	account := &store.Account{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			return nil, auth.ErrDuplicateAccount
		}
		return nil, auth.Unavailable("create account", err)
	}
	return account, nil
}

func (s *Service) issue(span trace.Span, account *store.Account) (*Result, error) {
	token, claims, err := s.tokens.Issue(auth.Claims{
		AccountID: account.ID,
		Email:     account.Email,
		Name:      account.Name,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("account.id", account.ID))
	return &Result{
		Token:     token,
		ExpiresAt: claims.ExpiresAt,
		Profile:   profileOf(account),
	}, nil
}

func profileOf(a *store.Account) Profile {
	return Profile{
		ID:              a.ID,
		Email:           a.Email,
		Name:            a.Name,
		WebAuthnEnabled: a.WebAuthnEnabled,
	}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", auth.Invalid("name", "is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", auth.Invalid("name", "must be at most %d characters", MaxNameLength)
	}
	return name, nil
}

// federatedName falls back to the email's local part when Google sends no name.
func federatedName(c *federated.Claims) string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(c.Email, "@")
	return local
}

// endSpan records err on span, skipping expected failures like a wrong password.
func endSpan(span trace.Span, err error) {
	if err != nil {
		kind := auth.KindOf(err)
		span.SetAttributes(attribute.String("auth.error_kind", string(kind)))
		if kind == auth.KindStoreUnavailable || kind == auth.KindInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
		}
	}
	span.End()
}
