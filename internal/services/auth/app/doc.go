// Package server composes and runs the auth process boundary.
//
// It hosts the passkey HTTP API on a single SQLite store so challenge,
// credential, and user decisions are made from one source of truth.
package server
