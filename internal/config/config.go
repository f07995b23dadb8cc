// ABOUTME: Configuration loading and parsing for the sigil server
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, SIGIL_* env overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/2389/sigil/internal/auth"
)

// EnvPrefix prefixes every environment override, e.g. SIGIL_AUTH_JWT_SECRET.
const EnvPrefix = "SIGIL_"

// Config represents the complete sigil configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale" envPrefix:"TAILSCALE_"`
	Database  DatabaseConfig  `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	Google    GoogleConfig    `yaml:"google" toml:"google" envPrefix:"GOOGLE_"`
	WebAuthn  WebAuthnConfig  `yaml:"webauthn" toml:"webauthn" envPrefix:"WEBAUTHN_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing" envPrefix:"TRACING_"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"AUTH_KEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" env:"STATE_DIR"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral" env:"EPHEMERAL"`
	HTTPS     bool   `yaml:"https" toml:"https" env:"HTTPS"`    // serve :443 with Tailscale-issued certs
	Funnel    bool   `yaml:"funnel" toml:"funnel" env:"FUNNEL"` // public Funnel (implies HTTPS)
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and configures the store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" toml:"path" env:"PATH"` // sqlite
	DSN    string `yaml:"dsn" toml:"dsn" env:"DSN"`    // postgres
}

// AuthConfig holds session token and password configuration
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
	Issuer     string        `yaml:"issuer" toml:"issuer" env:"ISSUER"`
	BcryptCost int           `yaml:"bcrypt_cost" toml:"bcrypt_cost" env:"BCRYPT_COST"`
	TokenTTL   time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl" env:"TOKEN_TTL"`
}

// GoogleConfig holds Google sign-in configuration
type GoogleConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	ClientIDs []string      `yaml:"client_ids" toml:"client_ids" env:"CLIENT_IDS" envSeparator:","`
	JWKSURL   string        `yaml:"jwks_url" toml:"jwks_url" env:"JWKS_URL"`
	Leeway    time.Duration `yaml:"-" toml:"-"`
	// SingleUseTokens rejects an ID token presented again within its lifetime.
	// The record is in memory, so it does not span server instances.
	SingleUseTokens bool `yaml:"single_use_tokens" toml:"single_use_tokens" env:"SINGLE_USE_TOKENS"`

	LeewayRaw string `yaml:"leeway" toml:"leeway" env:"LEEWAY"`
}

// User verification requirements
const (
	UserVerificationRequired  = "required"
	UserVerificationPreferred = "preferred"
)

// WebAuthnConfig describes the relying party and challenge lifetimes
type WebAuthnConfig struct {
	RPID             string        `yaml:"rp_id" toml:"rp_id" env:"RP_ID"`
	RPDisplayName    string        `yaml:"rp_display_name" toml:"rp_display_name" env:"RP_DISPLAY_NAME"`
	RPOrigins        []string      `yaml:"rp_origins" toml:"rp_origins" env:"RP_ORIGINS" envSeparator:","`
	UserVerification string        `yaml:"user_verification" toml:"user_verification" env:"USER_VERIFICATION"`
	ChallengeTimeout time.Duration `yaml:"-" toml:"-"`
	JanitorInterval  time.Duration `yaml:"-" toml:"-"`

	ChallengeTimeoutRaw string `yaml:"challenge_timeout" toml:"challenge_timeout" env:"CHALLENGE_TIMEOUT"`
	JanitorIntervalRaw  string `yaml:"janitor_interval" toml:"janitor_interval" env:"JANITOR_INTERVAL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "localhost:8080",
			ShutdownTimeoutRaw: "5s",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		Auth: AuthConfig{
			Issuer:      auth.DefaultIssuer,
			BcryptCost:  auth.DefaultBcryptCost,
			TokenTTLRaw: "168h",
		},
		Google: GoogleConfig{
			LeewayRaw: "30s",
		},
		WebAuthn: WebAuthnConfig{
			RPDisplayName:       "Sigil",
			UserVerification:    UserVerificationRequired,
			ChallengeTimeoutRaw: "60s",
			JanitorIntervalRaw:  "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "sigil",
			SampleRatio: 1,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then SIGIL_*
// variables override individual fields. Duration strings are parsed into
// time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config text in the given format ("yaml" or "toml") on
// top of Default, applies environment overrides and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if _, err := auth.NewPasswordHasher(c.Auth.BcryptCost); err != nil {
		return fmt.Errorf("auth.bcrypt_cost: %w", err)
	}

	if c.Google.Enabled && len(c.Google.ClientIDs) == 0 {
		return fmt.Errorf("google.client_ids is required when google sign-in is enabled")
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn.rp_id is required")
	}
	if len(c.WebAuthn.RPOrigins) == 0 {
		return fmt.Errorf("webauthn.rp_origins is required")
	}
	switch c.WebAuthn.UserVerification {
	case UserVerificationRequired, UserVerificationPreferred:
	default:
		return fmt.Errorf("webauthn.user_verification must be %q or %q", UserVerificationRequired, UserVerificationPreferred)
	}
	if c.WebAuthn.ChallengeTimeout <= 0 {
		return fmt.Errorf("webauthn.challenge_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"google.leeway", cfg.Google.LeewayRaw, &cfg.Google.Leeway},
		{"webauthn.challenge_timeout", cfg.WebAuthn.ChallengeTimeoutRaw, &cfg.WebAuthn.ChallengeTimeout},
		{"webauthn.janitor_interval", cfg.WebAuthn.JanitorIntervalRaw, &cfg.WebAuthn.JanitorInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
