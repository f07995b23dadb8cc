// ABOUTME: Software authenticator producing real "none" attestation registration responses
// ABOUTME: Used by tests to drive the passkey ceremony end to end without a browser

// Package passkeytest provides a software authenticator for tests.
package passkeytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator flag bits.
const (
	FlagUserPresent  byte = 0x01
	FlagUserVerified byte = 0x04
	FlagAttestedData byte = 0x40
)

// coseAlgES256 is the COSE identifier for ECDSA P-256 with SHA-256.
const coseAlgES256 = -7

// Authenticator is a P-256 software authenticator. Exported fields may be
// altered between calls to produce malformed or mismatching responses.
type Authenticator struct {
	RPID   string
	Origin string
	// ClientDataType is normally "webauthn.create".
	ClientDataType string
	Flags          byte
	SignCount      uint32
	Transports     []string

	key          *ecdsa.PrivateKey
	credentialID []byte
}

// New creates an authenticator with a fresh key pair and credential id.
func New(rpID, origin string) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	credentialID := make([]byte, 32)
	if _, err := rand.Read(credentialID); err != nil {
		return nil, fmt.Errorf("generating credential id: %w", err)
	}
	return &Authenticator{
		RPID:           rpID,
		Origin:         origin,
		ClientDataType: "webauthn.create",
		Flags:          FlagUserPresent | FlagUserVerified | FlagAttestedData,
		Transports:     []string{"internal", "hybrid"},
		key:            key,
		credentialID:   credentialID,
	}, nil
}

// CredentialID returns the credential id this authenticator registers.
func (a *Authenticator) CredentialID() []byte {
	return append([]byte(nil), a.credentialID...)
}

// Register builds the JSON a browser would post after navigator.credentials.create
// was called with challenge.
func (a *Authenticator) Register(challenge []byte) ([]byte, error) {
	clientData, err := json.Marshal(map[string]any{
		"type":        a.ClientDataType,
		"challenge":   base64.RawURLEncoding.EncodeToString(challenge),
		"origin":      a.Origin,
		"crossOrigin": false,
	})
	if err != nil {
		return nil, err
	}

	authData, err := a.authenticatorData()
	if err != nil {
		return nil, err
	}

	enc, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	attestation, err := enc.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding attestation object: %w", err)
	}

	id := base64.RawURLEncoding.EncodeToString(a.credentialID)
	return json.Marshal(map[string]any{
		"id":    id,
		"rawId": id,
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
			"attestationObject": base64.RawURLEncoding.EncodeToString(attestation),
			"transports":        a.Transports,
		},
	})
}

// authenticatorData lays out rpIdHash | flags | counter | aaguid | credential id length | credential id | COSE key.
func (a *Authenticator) authenticatorData() ([]byte, error) {
	coseKey, err := a.coseKey()
	if err != nil {
		return nil, err
	}

	rpIDHash := sha256.Sum256([]byte(a.RPID))
	data := make([]byte, 0, 55+len(a.credentialID)+len(coseKey))
	data = append(data, rpIDHash[:]...)
	data = append(data, a.Flags)
	data = binary.BigEndian.AppendUint32(data, a.SignCount)
	data = append(data, make([]byte, 16)...) // zero AAGUID
	data = binary.BigEndian.AppendUint16(data, uint16(len(a.credentialID)))
	data = append(data, a.credentialID...)
	data = append(data, coseKey...)
	return data, nil
}

func (a *Authenticator) coseKey() ([]byte, error) {
	pub, err := a.key.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}
	// Uncompressed point: 0x04 | X | Y
	point := pub.Bytes()

	enc, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(map[int]any{
		1:  2, // kty: EC2
		3:  coseAlgES256,
		-1: 1, // crv: P-256
		-2: point[1:33],
		-3: point[33:65],
	})
}
