// ABOUTME: Issuer signing key sources for federated identity tokens
// ABOUTME: StaticKeySet for fixed keys and RemoteKeySet for a refreshed JWKS backed by keyfunc

package federated

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// GoogleJWKSURL publishes Google's ID token signing keys.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const (
	// DefaultRefreshInterval is how often the JWKS is refetched in the background.
	DefaultRefreshInterval = time.Hour
	// minRefreshInterval bounds refetches triggered by unknown key ids.
	minRefreshInterval = time.Minute
	// refreshWaitMax caps how long a lookup waits for the unknown-kid limiter.
	refreshWaitMax = time.Second
	fetchTimeout   = 10 * time.Second
)

// ErrUnknownKey is returned when no key matches the token's key id.
var ErrUnknownKey = errors.New("unknown signing key")

// KeySource resolves the verification key of a parsed token.
type KeySource interface {
	Keyfunc(token *jwt.Token) (any, error)
}

// StaticKeySet is a fixed set of keys, keyed by key id.
type StaticKeySet map[string]*rsa.PublicKey

// Keyfunc returns the key named by the token's kid header.
func (s StaticKeySet) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid header")
	}
	key, ok := s[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return key, nil
}

// RemoteKeySet serves keys from a JWKS document fetched over HTTP. The
// document is refetched every refresh interval and when a token names an
// unknown kid, at most once per minute. A failed refetch keeps the cached keys.
type RemoteKeySet struct {
	keys   keyfunc.Keyfunc
	cancel context.CancelFunc
}

type remoteConfig struct {
	client          *http.Client
	refreshInterval time.Duration
	unknownKeyEvery time.Duration
}

// RemoteOption configures a RemoteKeySet.
type RemoteOption func(*remoteConfig)

// WithHTTPClient sets the client used to fetch the JWKS.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *remoteConfig) {
		c.client = client
	}
}

// WithRefreshInterval sets the background refetch interval.
func WithRefreshInterval(d time.Duration) RemoteOption {
	return func(c *remoteConfig) {
		c.refreshInterval = d
	}
}

// NewRemoteKeySet fetches the JWKS at url and keeps it fresh until Close.
// A failed first fetch is logged, not returned; lookups retry it.
func NewRemoteKeySet(ctx context.Context, url string, opts ...RemoteOption) (*RemoteKeySet, error) {
	cfg := remoteConfig{
		client:          &http.Client{Timeout: fetchTimeout},
		refreshInterval: DefaultRefreshInterval,
		unknownKeyEvery: minRefreshInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := slog.Default().With("component", "jwks")

	// Background refresh lives until Close, not until the caller's ctx ends.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	jwksURL, err := neturl.Parse(url)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parsing JWKS URL: %w", err)
	}

	remote, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    cfg.client,
		Ctx:                       ctx,
		HTTPTimeout:               fetchTimeout,
		NoErrorReturnFirstHTTPReq: true,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn("JWKS refresh failed, keeping cached keys", "url", url, "error", err)
		},
		RefreshInterval: cfg.refreshInterval,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating JWKS storage: %w", err)
	}

	storage, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{url: remote},
		RateLimitWaitMax:  refreshWaitMax,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(cfg.unknownKeyEvery), 1),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating JWKS client: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating keyfunc: %w", err)
	}

	logger.Debug("JWKS key set ready", "url", url, "refresh_interval", cfg.refreshInterval)
	return &RemoteKeySet{keys: kf, cancel: cancel}, nil
}

// Keyfunc returns the key named by the token's kid header, checking the
// key's alg and use against the token.
func (r *RemoteKeySet) Keyfunc(token *jwt.Token) (any, error) {
	return r.keys.Keyfunc(token)
}

// Close stops the background refresh.
func (r *RemoteKeySet) Close() {
	r.cancel()
}
