package passkey

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/tmarchant/fellhold/internal/platform/errors"
	"github.com/tmarchant/fellhold/internal/services/auth/authenticator"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"
	"github.com/tmarchant/fellhold/internal/services/auth/user"
)

// AuthenticationInput carries the client's response to an authentication
// ceremony. CredentialID is the raw credential ID in base64url without
// padding; the byte fields are already base64-decoded by the transport
// layer.
type AuthenticationInput struct {
	ChallengeID       string
	CredentialID      string
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
}

// BeginAuthentication starts an authentication ceremony. A non-empty email
// resolves the account and scopes the assertion to that user's credentials;
// an empty email starts a discoverable (username-less) ceremony with an
// empty allow-list.
//
// Unknown emails and accounts without passkeys both report that no passkeys
// are registered, so the response does not separate the two.
func (s *Service) BeginAuthentication(ctx context.Context, email string) (*protocol.CredentialAssertion, string, error) {
	var (
		userID  string
		allowed []protocol.CredentialDescriptor
	)
	if email != "" {
		account, err := s.users.GetUserByEmail(ctx, email)
		switch {
		case err == nil:
		case errors.IsCode(err, errors.CodeNotFound):
			return nil, "", errNoPasskeysRegistered()
		default:
			return nil, "", storageFailure("resolve account", err)
		}

		credentials, err := s.credentials.ListPasskeyCredentials(ctx, account.ID)
		if err != nil {
			return nil, "", storageFailure("list credentials", err)
		}
		if len(credentials) == 0 {
			return nil, "", errNoPasskeysRegistered()
		}

		userID = account.ID
		allowed = make([]protocol.CredentialDescriptor, 0, len(credentials))
		for _, credential := range credentials {
			rawID, err := base64.RawURLEncoding.DecodeString(credential.CredentialID)
			if err != nil {
				continue
			}
			transports := make([]protocol.AuthenticatorTransport, 0, len(credential.Transports))
			for _, transport := range credential.Transports {
				transports = append(transports, protocol.AuthenticatorTransport(transport))
			}
			allowed = append(allowed, protocol.CredentialDescriptor{
				Type:         protocol.PublicKeyCredentialType,
				CredentialID: protocol.URLEncodedBase64(rawID),
				Transport:    transports,
			})
		}
	}

	challenge, err := s.issueChallenge(ctx, storage.ChallengePurposeAuthentication, userID)
	if err != nil {
		return nil, "", err
	}

	assertion := &protocol.CredentialAssertion{
		Response: protocol.PublicKeyCredentialRequestOptions{
			Challenge:          protocol.URLEncodedBase64(challenge.Value),
			RelyingPartyID:     s.config.RPID,
			AllowedCredentials: allowed,
			UserVerification:   s.userVerificationRequirement(),
		},
	}
	return assertion, challenge.ID, nil
}

// FinishAuthentication verifies the client's assertion and returns the
// owning user together with the credential that signed it.
func (s *Service) FinishAuthentication(ctx context.Context, input AuthenticationInput) (user.User, storage.PasskeyCredential, error) {
	challenge, err := s.consumeChallenge(ctx, input.ChallengeID, storage.ChallengePurposeAuthentication)
	if err != nil {
		return user.User{}, storage.PasskeyCredential{}, err
	}

	clientData, err := authenticator.DecodeClientData(input.ClientDataJSON)
	if err != nil {
		return user.User{}, storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyClientDataMismatch, "client data does not match this ceremony", err)
	}
	if clientData.Type != authenticator.CeremonyAssert {
		return user.User{}, storage.PasskeyCredential{}, errors.New(errors.CodePasskeyClientDataMismatch, "client data type is not an authentication")
	}
	if !clientData.ChallengeEquals(challenge.Value) {
		return user.User{}, storage.PasskeyCredential{}, errors.New(errors.CodePasskeyClientDataMismatch, "client data challenge does not match")
	}
	if !s.originAllowed(clientData.Origin) {
		return user.User{}, storage.PasskeyCredential{}, errors.WithMetadata(errors.CodePasskeyClientDataMismatch, "origin is not an allowed relying party origin", map[string]string{
			"origin": clientData.Origin,
		})
	}

	credential, err := s.credentials.GetPasskeyCredential(ctx, input.CredentialID)
	switch {
	case err == nil:
	case errors.IsCode(err, errors.CodeNotFound):
		return user.User{}, storage.PasskeyCredential{}, errCredentialNotFound()
	default:
		return user.User{}, storage.PasskeyCredential{}, storageFailure("load credential", err)
	}
	// A challenge issued for a specific account only matches that
	// account's credentials.
	if challenge.UserID != "" && challenge.UserID != credential.UserID {
		return user.User{}, storage.PasskeyCredential{}, errCredentialNotFound()
	}

	authData, err := authenticator.Unmarshal(input.AuthenticatorData)
	if err != nil {
		return user.User{}, storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyAuthenticatorDataInvalid, "authenticator data cannot be decoded", err)
	}
	if err := s.checkAuthenticatorData(&authData); err != nil {
		return user.User{}, storage.PasskeyCredential{}, err
	}

	publicKey, err := authenticator.ParsePublicKey(credential.PublicKey)
	if err != nil {
		return user.User{}, storage.PasskeyCredential{}, storageFailure("parse stored credential key", err)
	}
	clientDataHash := sha256.Sum256(input.ClientDataJSON)
	signed := append(append([]byte{}, input.AuthenticatorData...), clientDataHash[:]...)
	if err := publicKey.Verify(signed, input.Signature); err != nil {
		return user.User{}, storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeySignatureInvalid, "assertion signature does not verify", err)
	}

	now := s.clock().UTC()
	if err := s.advanceSignCount(ctx, &credential, authData.SignCount, now); err != nil {
		return user.User{}, storage.PasskeyCredential{}, err
	}

	account, err := s.users.GetUser(ctx, credential.UserID)
	if err != nil {
		return user.User{}, storage.PasskeyCredential{}, storageFailure("load account", err)
	}
	return account, credential, nil
}

// advanceSignCount applies the sign-count clone check and records the use.
//
// Authenticators that do not implement a counter report zero forever; that
// case skips the monotonicity check per the WebAuthn spec. Otherwise the
// new count must strictly exceed the stored one, and the store update is a
// compare-and-swap so two assertions replaying the same counter cannot
// both win.
func (s *Service) advanceSignCount(ctx context.Context, credential *storage.PasskeyCredential, newCount uint32, now time.Time) error {
	if credential.SignCount == 0 && newCount == 0 {
		if err := s.credentials.UpdatePasskeySignCount(ctx, credential.CredentialID, 0, 0, now); err != nil {
			return storageFailure("record credential use", err)
		}
		credential.LastUsedAt = &now
		return nil
	}

	if newCount <= credential.SignCount {
		return errPossibleClone(credential.SignCount, newCount)
	}
	err := s.credentials.UpdatePasskeySignCount(ctx, credential.CredentialID, credential.SignCount, newCount, now)
	switch {
	case err == nil:
	case errors.IsCode(err, errors.CodeStaleCounter):
		return errPossibleClone(credential.SignCount, newCount)
	case errors.IsCode(err, errors.CodeNotFound):
		return errCredentialNotFound()
	default:
		return storageFailure("record credential use", err)
	}
	credential.SignCount = newCount
	credential.LastUsedAt = &now
	return nil
}

func errNoPasskeysRegistered() error {
	return errors.New(errors.CodePasskeyNoneRegistered, "no passkeys are registered for this account")
}

func errCredentialNotFound() error {
	return errors.New(errors.CodePasskeyCredentialNotFound, "credential is not registered")
}

func errPossibleClone(storedCount, newCount uint32) error {
	return errors.WithMetadata(errors.CodePasskeyPossibleClone, "sign count did not advance; credential may be cloned", map[string]string{
		"stored_count": fmt.Sprintf("%d", storedCount),
		"new_count":    fmt.Sprintf("%d", newCount),
	})
}
