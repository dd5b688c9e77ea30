package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmarchant/fellhold/internal/services/auth/storage"
)

// PutChallenge stores a freshly issued ceremony challenge.
func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challenge.ID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if len(challenge.Value) == 0 {
		return fmt.Errorf("challenge value is required")
	}
	if challenge.Purpose == "" {
		return fmt.Errorf("challenge purpose is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_challenges (id, value, purpose, user_id, created_at, expires_at, consumed_at)
VALUES (?, ?, ?, ?, ?, ?, NULL)
`,
		challenge.ID,
		challenge.Value,
		string(challenge.Purpose),
		challenge.UserID,
		toMillis(challenge.CreatedAt),
		toMillis(challenge.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge atomically marks a challenge consumed and returns it.
//
// The conditional UPDATE is the single indivisible check-and-mark step: of
// two racing verifications only one can flip consumed_at from NULL. Expired
// challenges are consumed too and reported via ErrChallengeExpired so they
// can never be matched later.
func (s *Store) ConsumeChallenge(ctx context.Context, id string, now time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_challenges SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL
`, toMillis(now), id)
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	if affected == 0 {
		return storage.Challenge{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, value, purpose, user_id, created_at, expires_at, consumed_at
FROM passkey_challenges WHERE id = ?
`, id)

	var challenge storage.Challenge
	var purpose string
	var createdAt, expiresAt int64
	var consumedAt sql.NullInt64
	if err := row.Scan(&challenge.ID, &challenge.Value, &purpose, &challenge.UserID, &createdAt, &expiresAt, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	challenge.Purpose = storage.ChallengePurpose(purpose)
	challenge.CreatedAt = fromMillis(createdAt)
	challenge.ExpiresAt = fromMillis(expiresAt)
	if consumedAt.Valid {
		value := fromMillis(consumedAt.Int64)
		challenge.ConsumedAt = &value
	}

	if challenge.ExpiresAt.Before(now.UTC()) {
		return storage.Challenge{}, storage.ErrChallengeExpired
	}
	return challenge, nil
}

// DeleteExpiredChallenges prunes challenges past their expiry.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM passkey_challenges WHERE expires_at < ?
`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}
