// ABOUTME: Gateway assembles the sigil server from config and runs its HTTP listener
// ABOUTME: Manages the store, identity components, challenge janitor, Tailscale node and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/sigil/internal/api"
	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/challenge"
	"github.com/2389/sigil/internal/config"
	"github.com/2389/sigil/internal/dedupe"
	"github.com/2389/sigil/internal/federated"
	"github.com/2389/sigil/internal/identity"
	"github.com/2389/sigil/internal/passkey"
	"github.com/2389/sigil/internal/store"
)

// Gateway owns the sigil server components and their lifecycle.
type Gateway struct {
	config      *config.Config
	store       store.Store
	identity    *identity.Service
	challenges  *challenge.Manager
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// googleKeys refreshes Google's JWKS in the background; nil unless enabled
	googleKeys *federated.RemoteKeySet

	// usedIDTokens backs single-use Google ID tokens; nil unless enabled
	usedIDTokens *dedupe.Cache

	// stopJanitor cancels the challenge janitor started by Run
	stopJanitor context.CancelFunc
}

// initStore opens the store selected by cfg.Database.Driver.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var s store.Store
	var err error
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err = store.NewPostgresStore(ctx, cfg.Database.DSN)
	default:
		s, err = store.NewSQLiteStore(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newGoogleKeys fetches Google's signing keys, or returns nil when Google sign-in is disabled.
func newGoogleKeys(ctx context.Context, cfg config.GoogleConfig, logger *slog.Logger) (*federated.RemoteKeySet, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = federated.GoogleJWKSURL
	}
	keys, err := federated.NewRemoteKeySet(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("creating google key set: %w", err)
	}
	logger.Info("google signing keys loaded", "jwks_url", jwksURL)
	return keys, nil
}

// newFederatedVerifier returns a Google verifier, or nil when keys is nil.
// used is consulted only when single-use tokens are enabled.
func newFederatedVerifier(cfg config.GoogleConfig, keys *federated.RemoteKeySet, used *dedupe.Cache, logger *slog.Logger) (federated.Verifier, error) {
	if keys == nil {
		return nil, nil
	}

	opts := []federated.Option{federated.WithLeeway(cfg.Leeway)}
	if used != nil {
		opts = append(opts, federated.WithReplayGuard(used))
	}
	verifier, err := federated.NewGoogleVerifier(keys, cfg.ClientIDs, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating google verifier: %w", err)
	}
	logger.Info("google sign-in enabled",
		"client_ids", len(cfg.ClientIDs),
		"single_use_tokens", used != nil,
	)
	return verifier, nil
}

// newIdentity builds the identity service and its components on top of s.
func newIdentity(cfg *config.Config, s store.Store, keys *federated.RemoteKeySet, used *dedupe.Cache, logger *slog.Logger) (*identity.Service, *auth.TokenService, *challenge.Manager, error) {
	tokens, err := auth.NewTokenService([]byte(cfg.Auth.JWTSecret),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating token service: %w", err)
	}

	passwords, err := auth.NewPasswordHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating password hasher: %w", err)
	}

	google, err := newFederatedVerifier(cfg.Google, keys, used, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	attestor, err := passkey.NewWebAuthnAttestor(passkey.Config{
		RPID:                    cfg.WebAuthn.RPID,
		RPDisplayName:           cfg.WebAuthn.RPDisplayName,
		RPOrigins:               cfg.WebAuthn.RPOrigins,
		RequireUserVerification: cfg.WebAuthn.UserVerification == config.UserVerificationRequired,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating attestor: %w", err)
	}

	challenges := challenge.NewManager(s,
		challenge.WithTTL(cfg.WebAuthn.ChallengeTimeout),
		challenge.WithLogger(logger),
	)
	registry := passkey.NewRegistry(s, s, challenges, attestor,
		passkey.WithLogger(logger),
	)

	svc := identity.New(identity.Deps{
		Accounts:  s,
		Tokens:    tokens,
		Passwords: passwords,
		Federated: google,
		Registry:  registry,
	}, logger)
	return svc, tokens, challenges, nil
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	keys, err := newGoogleKeys(ctx, cfg.Google, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var used *dedupe.Cache
	if cfg.Google.Enabled && cfg.Google.SingleUseTokens {
		used = dedupe.New(dedupe.DefaultMaxSize)
	}

	svc, tokens, challenges, err := newIdentity(cfg, s, keys, used, logger)
	if err != nil {
		if keys != nil {
			keys.Close()
		}
		if used != nil {
			used.Close()
		}
		_ = s.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	api.New(svc, tokens, s, logger).RegisterRoutes(mux)

	return &Gateway{
		config:       cfg,
		store:        s,
		identity:     svc,
		challenges:   challenges,
		googleKeys:   keys,
		usedIDTokens: used,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "gateway"),
	}, nil
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting sigil", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startJanitor sweeps expired challenges until Shutdown.
func (g *Gateway) startJanitor(ctx context.Context) {
	interval := g.config.WebAuthn.JanitorInterval
	if interval <= 0 {
		return
	}
	ctx, g.stopJanitor = context.WithCancel(ctx)
	go g.challenges.RunJanitor(ctx, interval)
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startJanitor(ctx)
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The context passed to Run is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "sigil", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
// Passkeys need a secure origin, so HTTPS or Funnel is the usual choice.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		g.logger.Warn("serving plain HTTP on the tailnet; browsers only allow passkeys on secure origins")
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down sigil")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.stopJanitor != nil {
		g.stopJanitor()
	}
	if g.googleKeys != nil {
		g.googleKeys.Close()
	}
	if g.usedIDTokens != nil {
		g.usedIDTokens.Close()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
