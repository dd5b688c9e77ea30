// Package passkey implements the WebAuthn ceremonies for device-bound
// credentials.
//
// It owns the relying-party policy: challenge issuance and single-use
// consumption, registration and authentication verification, sign-count
// clone detection, and credential lifecycle. Binary decoding of
// authenticator payloads lives in the authenticator package; persistence
// behind the storage interfaces.
package passkey
