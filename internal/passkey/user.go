// ABOUTME: Adapts sigil accounts and their devices to the webauthn.User interface
// ABOUTME: The user handle is the account id; existing devices feed the exclusion list

package passkey

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/sigil/internal/store"
)

// accountUser wraps an Account to implement webauthn.User.
type accountUser struct {
	account *store.Account
	devices []*store.Device
}

func (u *accountUser) WebAuthnID() []byte {
	return []byte(u.account.ID)
}

func (u *accountUser) WebAuthnName() string {
	return u.account.Email
}

func (u *accountUser) WebAuthnDisplayName() string {
	if u.account.Name != "" {
		return u.account.Name
	}
	return u.account.Email
}

func (u *accountUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.devices))
	for i, d := range u.devices {
		transports := make([]protocol.AuthenticatorTransport, len(d.Transports))
		for j, t := range d.Transports {
			transports[j] = protocol.AuthenticatorTransport(t)
		}
		creds[i] = webauthn.Credential{
			ID:              d.CredentialID,
			PublicKey:       d.PublicKey,
			AttestationType: d.AttestationType,
			Transport:       transports,
			Authenticator: webauthn.Authenticator{
				AAGUID:    d.AAGUID,
				SignCount: d.SignCount,
			},
		}
	}
	return creds
}
