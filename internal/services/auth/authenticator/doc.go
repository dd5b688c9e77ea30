// Package authenticator decodes the binary structures WebAuthn authenticators
// emit: authenticator data, CBOR attestation objects, client data JSON, and
// COSE public keys.
//
// Everything this package parses is attacker-supplied, so decoding is strict
// and bounds-checked and carries no ceremony policy; deciding what a parsed
// structure means belongs to the passkey package.
package authenticator
