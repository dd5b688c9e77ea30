// Package auth defines the identity boundary of the service.
//
// It is the single place that owns user lifecycle, passkey credentials, and
// session issuance so callers can depend on stable user IDs instead of
// re-implementing identity rules.
//
// Subpackages:
//   - app: auth server wiring and lifecycle
//   - httpapi: JSON HTTP handlers for users, ceremonies, and passkeys
//   - passkey: WebAuthn registration and authentication ceremonies
//   - authenticator: wire-format decoding for authenticator payloads
//   - session: signed session token minting and validation
//   - storage: persistence interfaces and SQLite implementations
//   - user: user domain model and helpers
package auth
