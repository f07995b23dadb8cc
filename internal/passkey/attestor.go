// ABOUTME: Registration ceremony capability backed by go-webauthn
// ABOUTME: Builds creation options around an externally issued challenge and verifies attestation responses

package passkey

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Response is a parsed registration response.
type Response struct {
	// Challenge is the raw challenge the client signed over.
	Challenge    []byte
	CredentialID []byte
	Transports   []string

	parsed *protocol.ParsedCredentialCreationData
}

// Attestor runs the relying-party side of the registration ceremony.
// The challenge value is owned by the caller; the Attestor never generates one.
type Attestor interface {
	// CreationOptions returns the options a client passes to navigator.credentials.create.
	CreationOptions(user webauthn.User, challenge []byte, timeout time.Duration) (*protocol.CredentialCreation, error)
	// ParseResponse decodes a client's credential creation JSON.
	ParseResponse(body []byte) (*Response, error)
	// Verify checks the response's client data, origin, relying party and
	// attestation against challenge.
	Verify(user webauthn.User, challenge []byte, resp *Response) (*webauthn.Credential, error)
}

// Config describes the relying party.
type Config struct {
	RPID                    string
	RPDisplayName           string
	RPOrigins               []string
	RequireUserVerification bool
}

// WebAuthnAttestor implements Attestor with go-webauthn.
type WebAuthnAttestor struct {
	wa               *webauthn.WebAuthn
	userVerification protocol.UserVerificationRequirement
}

// NewWebAuthnAttestor validates cfg and creates an attestor.
func NewWebAuthnAttestor(cfg Config) (*WebAuthnAttestor, error) {
	if cfg.RPID == "" {
		return nil, errors.New("passkey: relying party id is required")
	}
	displayName := cfg.RPDisplayName
	if displayName == "" {
		displayName = cfg.RPID
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: displayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("passkey: %w", err)
	}

	uv := protocol.VerificationPreferred
	if cfg.RequireUserVerification {
		uv = protocol.VerificationRequired
	}
	return &WebAuthnAttestor{wa: wa, userVerification: uv}, nil
}

// CreationOptions builds registration options with challenge substituted for
// the library's own and existing credentials excluded.
func (a *WebAuthnAttestor) CreationOptions(user webauthn.User, challenge []byte, timeout time.Duration) (*protocol.CredentialCreation, error) {
	creation, _, err := a.wa.BeginRegistration(user,
		webauthn.WithExclusions(webauthn.Credentials(user.WebAuthnCredentials()).CredentialDescriptors()),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			RequireResidentKey: protocol.ResidentKeyRequired(),
			UserVerification:   a.userVerification,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, fmt.Errorf("building creation options: %w", err)
	}

	creation.Response.Challenge = protocol.URLEncodedBase64(challenge)
	if timeout > 0 {
		creation.Response.Timeout = int(timeout.Milliseconds())
	}
	return creation, nil
}

// ParseResponse decodes and structurally validates a registration response.
func (a *WebAuthnAttestor) ParseResponse(body []byte) (*Response, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		return nil, describe(err)
	}

	challenge, err := base64.RawURLEncoding.DecodeString(
		strings.TrimRight(parsed.Response.CollectedClientData.Challenge, "="))
	if err != nil || len(challenge) == 0 {
		return nil, errors.New("client data challenge is not base64url")
	}

	transports := make([]string, len(parsed.Response.Transports))
	for i, t := range parsed.Response.Transports {
		transports[i] = string(t)
	}

	return &Response{
		Challenge:    challenge,
		CredentialID: parsed.Response.AttestationObject.AuthData.AttData.CredentialID,
		Transports:   transports,
		parsed:       parsed,
	}, nil
}

// Verify checks resp against challenge. The session go-webauthn expects is
// rebuilt from the challenge instead of being stored between round trips.
func (a *WebAuthnAttestor) Verify(user webauthn.User, challenge []byte, resp *Response) (*webauthn.Credential, error) {
	if resp == nil || resp.parsed == nil {
		return nil, errors.New("response was not produced by ParseResponse")
	}

	session := webauthn.SessionData{
		Challenge:        base64.RawURLEncoding.EncodeToString(challenge),
		RelyingPartyID:   a.wa.Config.RPID,
		UserID:           user.WebAuthnID(),
		UserVerification: a.userVerification,
		CredParams:       webauthn.CredentialParametersDefault(),
	}

	cred, err := a.wa.CreateCredential(user, session, resp.parsed)
	if err != nil {
		return nil, describe(err)
	}
	return cred, nil
}

// describe flattens a protocol error into its details and info.
func describe(err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		msg := perr.Details
		if perr.DevInfo != "" {
			msg += ": " + perr.DevInfo
		}
		return errors.New(msg)
	}
	return err
}
