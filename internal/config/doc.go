// Package config handles configuration loading for the sigil server.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension),
// layered over Default, then overridden field by field from SIGIL_*
// environment variables.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SIGIL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/sigil/config.yaml
//  3. ~/.config/sigil/config.yaml
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SIGIL_JWT_SECRET}"
//
// Every field also has a direct override named after its section and key,
// for example SIGIL_AUTH_JWT_SECRET or SIGIL_WEBAUTHN_RP_ORIGINS. List
// values are comma separated.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8080"
//	  shutdown_timeout: "5s"
//
//	database:
//	  driver: "sqlite"            # sqlite, postgres
//	  path: "/var/lib/sigil/sigil.db"
//	  dsn: "postgres://..."
//
//	auth:
//	  jwt_secret: "${SIGIL_JWT_SECRET}"  # at least 32 bytes
//	  token_ttl: "168h"
//	  bcrypt_cost: 10
//
//	google:
//	  enabled: false
//	  client_ids: ["....apps.googleusercontent.com"]
//	  leeway: "30s"
//
//	webauthn:
//	  rp_id: "sigil.example"
//	  rp_origins: ["https://sigil.example"]
//	  user_verification: "required"  # required, preferred
//	  challenge_timeout: "60s"
//	  janitor_interval: "5m"
//
//	tailscale:
//	  enabled: false
//	  hostname: "sigil"
//	  https: true
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	tracing:
//	  enabled: false
//	  endpoint: "http://localhost:4318"
//	  sample_ratio: 1.0
package config
