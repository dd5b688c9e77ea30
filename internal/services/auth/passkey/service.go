package passkey

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	apperrors "github.com/tmarchant/fellhold/internal/platform/errors"
	"github.com/tmarchant/fellhold/internal/platform/id"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"
)

// challengeSize is the number of random bytes in every ceremony challenge,
// fixed regardless of configuration.
const challengeSize = 32

// Service runs WebAuthn ceremonies against the auth stores.
//
// It is the canonical passkey domain entrypoint; transport handlers decode
// requests and hand the raw ceremony payloads here.
type Service struct {
	config      Config
	users       storage.UserStore
	credentials storage.PasskeyStore
	challenges  storage.ChallengeStore
	clock       func() time.Time
	idGenerator func() (string, error)
	entropy     io.Reader
}

// NewService builds a passkey service with production defaults.
func NewService(config Config, users storage.UserStore, credentials storage.PasskeyStore, challenges storage.ChallengeStore) *Service {
	return &Service{
		config:      config,
		users:       users,
		credentials: credentials,
		challenges:  challenges,
		clock:       time.Now,
		idGenerator: id.NewID,
		entropy:     rand.Reader,
	}
}

// issueChallenge mints and persists a single-use challenge for one ceremony.
func (s *Service) issueChallenge(ctx context.Context, purpose storage.ChallengePurpose, userID string) (storage.Challenge, error) {
	value := make([]byte, challengeSize)
	if _, err := io.ReadFull(s.entropy, value); err != nil {
		return storage.Challenge{}, fmt.Errorf("read challenge entropy: %w", err)
	}
	challengeID, err := s.idGenerator()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("generate challenge id: %w", err)
	}

	now := s.clock().UTC()
	challenge := storage.Challenge{
		ID:        challengeID,
		Value:     value,
		Purpose:   purpose,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.ChallengeTTL),
	}
	if err := s.challenges.PutChallenge(ctx, challenge); err != nil {
		return storage.Challenge{}, storageFailure("store challenge", err)
	}
	return challenge, nil
}

// consumeChallenge burns a challenge and checks it belongs to this ceremony.
// Every failure mode collapses into the same challenge-invalid error so
// callers cannot distinguish unknown, replayed, expired, or cross-ceremony
// challenge IDs.
func (s *Service) consumeChallenge(ctx context.Context, challengeID string, purpose storage.ChallengePurpose) (storage.Challenge, error) {
	challenge, err := s.challenges.ConsumeChallenge(ctx, challengeID, s.clock().UTC())
	switch {
	case err == nil:
	case apperrors.IsCode(err, apperrors.CodeNotFound), apperrors.IsCode(err, apperrors.CodeChallengeExpired):
		return storage.Challenge{}, errChallengeInvalid()
	default:
		return storage.Challenge{}, storageFailure("consume challenge", err)
	}
	if challenge.Purpose != purpose {
		return storage.Challenge{}, errChallengeInvalid()
	}
	return challenge, nil
}

// originAllowed reports whether origin is one of the configured RP origins.
func (s *Service) originAllowed(origin string) bool {
	for _, allowed := range s.config.RPOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func errChallengeInvalid() error {
	return apperrors.New(apperrors.CodePasskeyChallengeInvalid, "challenge is unknown, already used, or expired")
}

// storageFailure wraps unexpected store errors as a retryable backend
// failure without leaking record existence.
func storageFailure(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorageUnavailable, op+" failed", err)
}
