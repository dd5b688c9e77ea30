// Package storage defines persistence interfaces for the auth service.
package storage

import (
	"context"
	"time"

	"github.com/tmarchant/fellhold/internal/platform/errors"
	"github.com/tmarchant/fellhold/internal/services/auth/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrChallengeExpired indicates a challenge was consumed past its expiry.
var ErrChallengeExpired = errors.New(errors.CodeChallengeExpired, "challenge expired")

// ErrConflict indicates an insert collided with an existing unique record.
var ErrConflict = errors.New(errors.CodeConflict, "record already exists")

// ErrStaleCounter indicates a sign-count update lost a compare-and-swap race.
var ErrStaleCounter = errors.New(errors.CodeStaleCounter, "stale sign count")

// UserStore persists auth user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// ChallengePurpose scopes a challenge to one ceremony type.
type ChallengePurpose string

const (
	ChallengePurposeRegistration   ChallengePurpose = "registration"
	ChallengePurposeAuthentication ChallengePurpose = "authentication"
)

// Challenge is a single-use random value issued at ceremony start.
//
// The ID is the opaque handle handed to clients; the value itself is only
// ever compared against the copy echoed back inside client data JSON.
type Challenge struct {
	ID         string
	Value      []byte
	Purpose    ChallengePurpose
	UserID     string // empty for discoverable (username-less) authentication
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// ChallengeStore persists ceremony challenges.
//
// ConsumeChallenge must atomically check-and-mark so a challenge can be
// matched at most once even under concurrent verification attempts. It
// returns ErrNotFound for unknown or already-consumed IDs and
// ErrChallengeExpired for challenges past their expiry; an expired
// challenge is still marked consumed, never resurrected.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, challenge Challenge) error
	ConsumeChallenge(ctx context.Context, id string, now time.Time) (Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// PasskeyCredential stores one registered WebAuthn authenticator.
type PasskeyCredential struct {
	ID           string // system-generated record id
	CredentialID string // authenticator credential id, base64url raw encoding
	UserID       string
	PublicKey    []byte // COSE-encoded public key
	Algorithm    int64  // COSE algorithm identifier recorded at registration
	SignCount    uint32
	BackedUp     bool
	Transports   []string
	Name         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastUsedAt   *time.Time
}

// PasskeyStore persists WebAuthn credentials.
//
// CredentialID is unique across all users. UpdatePasskeySignCount is a
// compare-and-swap on the previously observed counter so two concurrent
// authentications cannot both advance from the same stale value; a lost
// race returns ErrStaleCounter.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	GetPasskeyCredentialByRecordID(ctx context.Context, id string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	RenamePasskeyCredential(ctx context.Context, userID, id, name string, now time.Time) (PasskeyCredential, error)
	DeletePasskeyCredential(ctx context.Context, userID, id string) error
	UpdatePasskeySignCount(ctx context.Context, credentialID string, fromCount, toCount uint32, usedAt time.Time) error
}
