// ABOUTME: Entry point for the sigil identity server
// ABOUTME: Provides serve, init, hash-password and health commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/sigil/internal/auth"
	"github.com/2389/sigil/internal/config"
	"github.com/2389/sigil/internal/gateway"
	"github.com/2389/sigil/internal/telemetry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _       _ _
 ___(_) __ _(_) |
/ __| |/ _' | | |
\__ \ | (_| | | |
|___/_|\__, |_|_|
       |___/
`

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// getConfigPath returns the path to the sigil config file.
// Priority: SIGIL_CONFIG env var > XDG_CONFIG_HOME/sigil/config.yaml > ~/.config/sigil/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SIGIL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "sigil", "config.yaml")
}

// getDataPath returns the path to the sigil data directory.
// Priority: XDG_DATA_HOME/sigil > ~/.local/share/sigil
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "sigil")
}

func usage() {
	fmt.Println("Usage: sigil <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve           Start the sigil server")
	fmt.Println("  init            Create a new config file interactively")
	fmt.Println("  hash-password   Print a bcrypt hash of a password read from the terminal")
	fmt.Println("  health          Check server health")
	fmt.Println("  version         Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "hash-password":
		err = runHashPassword(os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging, os.Stdout)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("RP ID:     %s\n", cfg.WebAuthn.RPID)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	if cfg.Google.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Google:    %d client id(s)\n", len(cfg.Google.ClientIDs))
	}
	if cfg.Tracing.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tracing:   %s\n", cfg.Tracing.Endpoint)
	}

	fmt.Println()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	logger.Info("starting sigil",
		"config", configPath,
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Driver,
	)

	// Create and run gateway
	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runHashPassword reads a password twice without echo and prints its bcrypt
// hash at the configured cost (or the default when no config exists).
func runHashPassword(w io.Writer) error {
	cost := auth.DefaultBcryptCost
	if cfg, err := config.Load(getConfigPath()); err == nil {
		cost = cfg.Auth.BcryptCost
	}

	hash, err := hashPassword(w, cost, func() ([]byte, error) {
		return readPassword(int(os.Stdin.Fd()))
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, hash)
	return nil
}

func hashPassword(w io.Writer, cost int, read func() ([]byte, error)) (string, error) {
	fmt.Fprint(w, "Password: ")
	first, err := read()
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(w, "Repeat password: ")
	second, err := read()
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}

	if err := auth.ValidatePassword(string(first)); err != nil {
		return "", err
	}
	hasher, err := auth.NewPasswordHasher(cost)
	if err != nil {
		return "", err
	}
	return hasher.Hash(string(first))
}

// generateSecret returns a random 32-byte secret, base64 encoded.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "sigil configuration setup")
	fmt.Fprintln(out, "=========================")
	fmt.Fprintln(out)

	defaultDbPath := filepath.Join(getDataPath(), "sigil.db")

	// Output filename
	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := prompt(reader, out, "HTTP address", "localhost:8080")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := prompt(reader, out, "SQLite database path", defaultDbPath)

	fmt.Fprintln(out, "\n--- Passkey Configuration ---")
	rpID := prompt(reader, out, "Relying party id (your domain)", "localhost")
	rpOrigin := prompt(reader, out, "Origin", "http://"+httpAddr)

	fmt.Fprintln(out, "\n--- Google Sign-In ---")
	googleClientID := prompt(reader, out, "Google OAuth client id (leave empty to disable)", "")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, out, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsHTTPS, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, out, "Tailscale hostname", "sigil")
		tsHTTPS = isYes(prompt(reader, out, "Serve HTTPS with Tailscale certs?", "yes"))
		tsFunnel = isYes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# sigil configuration\n")
	cfg.WriteString("# Generated by sigil init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  token_ttl: \"168h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("google:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", googleClientID != ""))
	if googleClientID != "" {
		cfg.WriteString(fmt.Sprintf("  client_ids: [%q]\n", googleClientID))
	}
	cfg.WriteString("\n")

	cfg.WriteString("webauthn:\n")
	cfg.WriteString(fmt.Sprintf("  rp_id: %q\n", rpID))
	cfg.WriteString("  rp_display_name: \"Sigil\"\n")
	cfg.WriteString(fmt.Sprintf("  rp_origins: [%q]\n", rpOrigin))
	cfg.WriteString("  user_verification: \"required\"\n")
	cfg.WriteString("  challenge_timeout: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		cfg.WriteString(fmt.Sprintf("  https: %t\n", tsHTTPS))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	// Ensure config directory exists
	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the signing secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  sigil serve")

	return nil
}

func isYes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
