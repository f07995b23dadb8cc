// ABOUTME: HTTP transport for the identity service: routes, JSON decoding and error mapping
// ABOUTME: Every failure is written as {error, message, field?} with a status chosen by error kind

package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/identity"
	"github.com/2389/sigil/internal/passkey"
	"github.com/2389/sigil/internal/store"
)

// MaxBodyBytes caps every request body.
const MaxBodyBytes = 64 << 10

// Identity is the part of identity.Service the handlers call.
type Identity interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.Result, error)
	Login(ctx context.Context, req identity.LoginRequest) (*identity.Result, error)
	LoginWithGoogle(ctx context.Context, idToken string) (*identity.Result, error)
	BeginDeviceRegistration(ctx context.Context) (*passkey.Registration, error)
	FinishDeviceRegistration(ctx context.Context, body []byte) (*store.Device, error)
	Profile(ctx context.Context) (*identity.Profile, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the authentication API.
type Server struct {
	identity Identity
	verifier auth.TokenVerifier
	pinger   Pinger
	logger   *slog.Logger
}

// New creates a Server. pinger may be nil, in which case readiness always succeeds.
func New(id Identity, verifier auth.TokenVerifier, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		identity: id,
		verifier: verifier,
		pinger:   pinger,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes adds the API routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	requireAuth := auth.HTTPAuthMiddleware(s.verifier)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/google", s.handleGoogle)

	mux.Handle("POST /auth/webauthn/registration/options", requireAuth(http.HandlerFunc(s.handleRegistrationOptions)))
	mux.Handle("POST /auth/webauthn/registration/verify", requireAuth(http.HandlerFunc(s.handleRegistrationVerify)))
	mux.Handle("GET /auth/me", requireAuth(http.HandlerFunc(s.handleMe)))
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// SessionResponse is returned by every sign-in endpoint.
type SessionResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
	User      identity.Profile `json:"user"`
}

// RegistrationOptionsResponse carries the challenge and the options to pass
// to navigator.credentials.create.
type RegistrationOptionsResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
	Options   any       `json:"options"`
}

// RegistrationVerifyResponse confirms a recorded device.
type RegistrationVerifyResponse struct {
	OK           bool   `json:"ok"`
	CredentialID string `json:"credentialId"`
}

// ProfileResponse wraps the signed-in account's profile.
type ProfileResponse struct {
	User identity.Profile `json:"user"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	result, err := s.identity.Register(r.Context(), identity.RegisterRequest{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sessionResponse(result))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	result, err := s.identity.Login(r.Context(), identity.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sessionResponse(result))
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	result, err := s.identity.LoginWithGoogle(r.Context(), req.Token)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sessionResponse(result))
}

func (s *Server) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	reg, err := s.identity.BeginDeviceRegistration(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, RegistrationOptionsResponse{
		Challenge: base64.RawURLEncoding.EncodeToString(reg.Challenge.Value),
		ExpiresAt: reg.Challenge.ExpiresAt,
		Options:   reg.Options,
	})
}

func (s *Server) handleRegistrationVerify(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	device, err := s.identity.FinishDeviceRegistration(r.Context(), body)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, RegistrationVerifyResponse{
		OK:           true,
		CredentialID: base64.RawURLEncoding.EncodeToString(device.CredentialID),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := s.identity.Profile(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ProfileResponse{User: *profile})
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func sessionResponse(result *identity.Result) SessionResponse {
	return SessionResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      result.Profile,
	}
}

// decodeJSON decodes a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return auth.Invalid("body", "invalid JSON body")
	}
	return nil
}

// errBodyTooLarge is mapped to 413.
var errBodyTooLarge = auth.Invalid("body", "request body too large")

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, auth.Invalid("body", "unreadable request body")
	}
	return body, nil
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendError writes err as an ErrorResponse. Causes of server-side failures
// are logged but never sent to the client.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	status := StatusFor(kind)
	resp := ErrorResponse{Error: string(kind), Message: messageFor(kind)}

	var verr *auth.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
		resp.Message = verr.Message
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind)
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="sigil"`)
	}
	s.sendJSON(w, status, resp)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind auth.Kind) int {
	switch kind {
	case auth.KindValidation,
		auth.KindDuplicateAccount,
		auth.KindDuplicateCredential,
		auth.KindChallengeMismatch,
		auth.KindAttestationInvalid:
		return http.StatusBadRequest
	case auth.KindInvalidCredentials,
		auth.KindTokenInvalid,
		auth.KindTokenExpired,
		auth.KindIdentityTokenInvalid,
		auth.KindReplayDetected:
		return http.StatusUnauthorized
	case auth.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var kindMessages = map[auth.Kind]string{
	auth.KindDuplicateAccount:     "an account with this email already exists",
	auth.KindDuplicateCredential:  "this authenticator is already registered",
	auth.KindInvalidCredentials:   "invalid email or password",
	auth.KindTokenInvalid:         "invalid token",
	auth.KindTokenExpired:         "token expired",
	auth.KindIdentityTokenInvalid: "identity token could not be verified",
	auth.KindChallengeMismatch:    "registration challenge is missing, expired or already used",
	auth.KindAttestationInvalid:   "authenticator response could not be verified",
	auth.KindReplayDetected:       "authenticator sign count did not increase",
	auth.KindStoreUnavailable:     "service temporarily unavailable",
}

func messageFor(kind auth.Kind) string {
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	return "internal error"
}
