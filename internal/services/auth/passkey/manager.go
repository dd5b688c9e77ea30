package passkey

import (
	"context"
	"strings"

	"github.com/tmarchant/fellhold/internal/platform/errors"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"
)

const maxCredentialNameLength = 64

// ListPasskeys returns the user's credentials ordered by creation time.
func (s *Service) ListPasskeys(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	credentials, err := s.credentials.ListPasskeyCredentials(ctx, userID)
	if err != nil {
		return nil, storageFailure("list credentials", err)
	}
	return credentials, nil
}

// RenamePasskey updates the user-facing label of one credential. The
// credential is addressed by its record ID and must belong to userID.
func (s *Service) RenamePasskey(ctx context.Context, userID, credentialRecordID, name string) (storage.PasskeyCredential, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.PasskeyCredential{}, errors.New(errors.CodePasskeyEmptyName, "passkey name is required")
	}
	if len(name) > maxCredentialNameLength {
		name = name[:maxCredentialNameLength]
	}

	credential, err := s.credentials.RenamePasskeyCredential(ctx, userID, credentialRecordID, name, s.clock().UTC())
	switch {
	case err == nil:
	case errors.IsCode(err, errors.CodeNotFound):
		return storage.PasskeyCredential{}, errCredentialNotFound()
	default:
		return storage.PasskeyCredential{}, storageFailure("rename credential", err)
	}
	return credential, nil
}

// DeletePasskey removes one credential. Deleting the last credential is
// allowed; the account falls back to whatever other login paths exist.
func (s *Service) DeletePasskey(ctx context.Context, userID, credentialRecordID string) error {
	err := s.credentials.DeletePasskeyCredential(ctx, userID, credentialRecordID)
	switch {
	case err == nil:
		return nil
	case errors.IsCode(err, errors.CodeNotFound):
		return errCredentialNotFound()
	}
	return storageFailure("delete credential", err)
}
