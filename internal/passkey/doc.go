// Package passkey implements public-key authenticator registration.
//
// A Registry runs the relying-party side of the WebAuthn registration
// ceremony:
//
//  1. BeginRegistration issues a challenge through the challenge manager and
//     wraps it in creation options for the browser.
//  2. VerifyRegistration consumes the challenge the response was signed over,
//     has the Attestor check client data, origin, relying party and
//     attestation, then records the device.
//
// The Attestor interface isolates go-webauthn. WebAuthnAttestor never keeps
// session state of its own; the challenge store is the only record of an
// open ceremony, which keeps registration safe across several server
// instances.
//
// Credential ids are unique across all accounts. A device's sign count only
// moves forward; RecordSignCount reports a counter that does not increase as
// a replay.
package passkey
