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

const passkeyColumns = `id, credential_id, user_id, public_key, algorithm, sign_count,
	backed_up, transports, name, created_at, updated_at, last_used_at`

// PutPasskeyCredential inserts a new WebAuthn credential.
//
// The credential_id column is globally unique; a collision returns
// storage.ErrConflict regardless of which user owns the existing row.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if len(credential.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
	id, credential_id, user_id, public_key, algorithm, sign_count,
	backed_up, transports, name, created_at, updated_at, last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		credential.ID,
		credential.CredentialID,
		credential.UserID,
		credential.PublicKey,
		credential.Algorithm,
		int64(credential.SignCount),
		boolToInt(credential.BackedUp),
		strings.Join(credential.Transports, ","),
		credential.Name,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put passkey credential: %w", err)
	}
	return nil
}

// GetPasskeyCredential fetches a credential by the authenticator credential ID.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+passkeyColumns+` FROM passkey_credentials WHERE credential_id = ?
`, credentialID)
	return scanPasskey(row)
}

// GetPasskeyCredentialByRecordID fetches a credential by its system record ID.
func (s *Store) GetPasskeyCredentialByRecordID(ctx context.Context, id string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("record id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+passkeyColumns+` FROM passkey_credentials WHERE id = ?
`, id)
	return scanPasskey(row)
}

// ListPasskeyCredentials returns a user's credentials ordered by creation time.
func (s *Store) ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+passkeyColumns+` FROM passkey_credentials
WHERE user_id = ?
ORDER BY created_at ASC, id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.PasskeyCredential, 0)
	for rows.Next() {
		credential, err := scanPasskey(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	return credentials, nil
}

// RenamePasskeyCredential updates a credential's label when owned by userID.
func (s *Store) RenamePasskeyCredential(ctx context.Context, userID, id, name string, now time.Time) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials SET name = ?, updated_at = ?
WHERE id = ? AND user_id = ?
`, name, toMillis(now), id, userID)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("rename passkey credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("rename passkey credential: %w", err)
	}
	if affected == 0 {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return s.GetPasskeyCredentialByRecordID(ctx, id)
}

// DeletePasskeyCredential removes a credential when owned by userID.
func (s *Store) DeletePasskeyCredential(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM passkey_credentials WHERE id = ? AND user_id = ?
`, id, userID)
	if err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdatePasskeySignCount advances the signature counter with a compare-and-swap
// on the previously observed value. The comparison and the write happen in one
// statement so two concurrent authentications cannot both advance from the
// same stale counter.
func (s *Store) UpdatePasskeySignCount(ctx context.Context, credentialID string, fromCount, toCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials
SET sign_count = ?, last_used_at = ?, updated_at = ?
WHERE credential_id = ? AND sign_count = ?
`, int64(toCount), toMillis(usedAt), toMillis(usedAt), credentialID, int64(fromCount))
	if err != nil {
		return fmt.Errorf("update passkey sign count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update passkey sign count: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.sqlDB.QueryRowContext(ctx,
		"SELECT 1 FROM passkey_credentials WHERE credential_id = ?", credentialID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update passkey sign count: %w", err)
	}
	return storage.ErrStaleCounter
}

type passkeyScanner interface {
	Scan(dest ...any) error
}

func scanPasskey(row passkeyScanner) (storage.PasskeyCredential, error) {
	var credential storage.PasskeyCredential
	var signCount, algorithm, backedUp, createdAt, updatedAt int64
	var transports string
	var lastUsed sql.NullInt64
	if err := row.Scan(
		&credential.ID,
		&credential.CredentialID,
		&credential.UserID,
		&credential.PublicKey,
		&algorithm,
		&signCount,
		&backedUp,
		&transports,
		&credential.Name,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasskeyCredential{}, storage.ErrNotFound
		}
		return storage.PasskeyCredential{}, fmt.Errorf("scan passkey credential: %w", err)
	}
	credential.Algorithm = algorithm
	credential.SignCount = uint32(signCount)
	credential.BackedUp = backedUp != 0
	if transports != "" {
		credential.Transports = strings.Split(transports, ",")
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
