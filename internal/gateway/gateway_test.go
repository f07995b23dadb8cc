// ABOUTME: Tests for Gateway assembly and lifecycle
// ABOUTME: Runs the real server on a loopback port against a temporary SQLite database

package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/sigil/internal/config"
	"github.com/2389/sigil/internal/store"
)

// testConfig creates a minimal valid config listening on a free loopback port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := ln.Addr().String()
	ln.Close()

	cfg := config.Default()
	cfg.Server.HTTPAddr = httpAddr
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Database.Path = filepath.Join(t.TempDir(), "sigil.db")
	cfg.Auth.JWTSecret = strings.Repeat("s", 32)
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.BcryptCost = 4
	cfg.WebAuthn.RPID = "localhost"
	cfg.WebAuthn.RPOrigins = []string{"http://localhost"}
	cfg.WebAuthn.ChallengeTimeout = time.Minute
	cfg.WebAuthn.JanitorInterval = 10 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs gw until the test ends and waits for it to accept connections.
func startGateway(t *testing.T, gw *Gateway, addr string) (cancel func(), done <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("gateway did not start listening on %s", addr)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cancel, errCh
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.identity == nil {
		t.Error("identity should not be nil")
	}
}

func TestGatewayNew_GoogleEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Google.Enabled = true
	cfg.Google.ClientIDs = []string{"sigil.apps.googleusercontent.com"}
	cfg.Google.SingleUseTokens = true

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer jwks.Close()
	cfg.Google.JWKSURL = jwks.URL

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.googleKeys == nil {
		t.Error("google key set should be created")
	}
	if gw.usedIDTokens == nil {
		t.Error("single-use token cache should be created")
	}
}

func TestGatewayNew_BadStorePath(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0600); err != nil {
		t.Fatalf("failed to write blocker file: %v", err)
	}
	cfg.Database.Path = filepath.Join(blocker, "sigil.db")

	if _, err := New(context.Background(), cfg, testLogger()); err == nil {
		t.Fatal("New() expected error for unusable database path")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	cancel, done := startGateway(t, gw, cfg.Server.HTTPAddr)

	// Let the janitor tick at least once
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestGatewayRun_AddressInUse(t *testing.T) {
	cfg := testConfig(t)

	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer ln.Close()

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if err := gw.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error when address is in use")
	}
}

func TestHealthAndRegisterEndpoints(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	cancel, done := startGateway(t, gw, cfg.Server.HTTPAddr)
	defer func() {
		cancel()
		<-done
	}()

	base := "http://" + cfg.Server.HTTPAddr

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.Get(base + "/health/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.Post(base+"/auth/register", "application/json",
		strings.NewReader(`{"name":"Ada","email":"ada@x.com","password":"secret1"}`))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"token"`) {
		t.Errorf("register response missing token: %s", body)
	}

	resp, err = http.Post(base+"/auth/google", "application/json", strings.NewReader(`{"token":"x"}`))
	if err != nil {
		t.Fatalf("google request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("google status = %d, want %d when disabled", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")

	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error without auth key")
	}

	key, err := resolveTailscaleAuthKey("tskey-config")
	if err != nil || key != "tskey-config" {
		t.Errorf("resolveTailscaleAuthKey() = %q, %v; want configured key", key, err)
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	if err != nil || key != "tskey-env" {
		t.Errorf("resolveTailscaleAuthKey() = %q, %v; want env key", key, err)
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/sigil/ts")
	if err != nil || dir != "/var/lib/sigil/ts" {
		t.Errorf("resolveTailscaleStateDir() = %q, %v; want configured dir", dir, err)
	}

	t.Setenv("HOME", "/home/sigil")
	dir, err = resolveTailscaleStateDir("")
	if err != nil {
		t.Fatalf("resolveTailscaleStateDir() error = %v", err)
	}
	if dir != filepath.Join("/home/sigil", ".local", "share", "sigil", "tailscale") {
		t.Errorf("resolveTailscaleStateDir() = %q, want default under HOME", dir)
	}
}

func TestNewIdentity_ComponentAttributeOnce(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, _, challenges, err := newIdentity(cfg, store.NewMockStore(), nil, nil, logger)
	if err != nil {
		t.Fatalf("newIdentity() failed: %v", err)
	}
	if _, err := challenges.Issue(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, "issued challenge") {
			continue
		}
		found = true
		if n := strings.Count(line, `"component":`); n != 1 {
			t.Errorf("component attribute appears %d times in %s", n, line)
		}
	}
	if !found {
		t.Fatal("no challenge log line written")
	}
}
