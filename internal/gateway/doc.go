// Package gateway assembles and runs the sigil server.
//
// # Overview
//
// New turns a validated config.Config into a running set of components:
//
//   - the store (SQLite by default, PostgreSQL when database.driver is postgres)
//   - the token service, password hasher and optional Google verifier
//   - the challenge manager and passkey registry
//   - the identity service and its HTTP API (package api)
//
// # Lifecycle
//
// Run listens on server.http_addr, or on a Tailscale node when tailscale.enabled
// is set, and starts the challenge janitor. It blocks until its context is
// canceled or the server fails, then shuts down with server.shutdown_timeout:
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// # Tailscale
//
// With tailscale.https the node serves :443 with certificates issued by
// Tailscale; tailscale.funnel exposes the same port publicly. Browsers only
// offer passkeys on secure origins, so plain :80 on a tailnet is for testing.
package gateway
