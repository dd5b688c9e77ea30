package passkey

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/tmarchant/fellhold/internal/platform/errors"
	"github.com/tmarchant/fellhold/internal/services/auth/authenticator"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"
	"github.com/tmarchant/fellhold/internal/services/auth/user"
)

// credentialParameters lists the signature algorithms offered at
// registration, in preference order.
var credentialParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

const defaultCredentialName = "Passkey"

// RegistrationInput carries the client's response to a registration
// ceremony. ClientDataJSON and AttestationObject are the raw bytes the
// authenticator produced, already base64-decoded by the transport layer.
type RegistrationInput struct {
	ChallengeID       string
	ClientDataJSON    []byte
	AttestationObject []byte
	Transports        []string
	Name              string
}

// BeginRegistration starts a registration ceremony for u. It returns the
// credential creation options to hand to the browser and the opaque
// challenge ID the client must echo back to FinishRegistration.
func (s *Service) BeginRegistration(ctx context.Context, u user.User) (*protocol.CredentialCreation, string, error) {
	existing, err := s.credentials.ListPasskeyCredentials(ctx, u.ID)
	if err != nil {
		return nil, "", storageFailure("list credentials", err)
	}

	challenge, err := s.issueChallenge(ctx, storage.ChallengePurposeRegistration, u.ID)
	if err != nil {
		return nil, "", err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, credential := range existing {
		rawID, err := base64.RawURLEncoding.DecodeString(credential.CredentialID)
		if err != nil {
			continue
		}
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: protocol.URLEncodedBase64(rawID),
		})
	}

	creation := &protocol.CredentialCreation{
		Response: protocol.PublicKeyCredentialCreationOptions{
			Challenge: protocol.URLEncodedBase64(challenge.Value),
			RelyingParty: protocol.RelyingPartyEntity{
				CredentialEntity: protocol.CredentialEntity{Name: s.config.RPDisplayName},
				ID:               s.config.RPID,
			},
			User: protocol.UserEntity{
				CredentialEntity: protocol.CredentialEntity{Name: u.Email},
				DisplayName:      u.DisplayName,
				ID:               protocol.URLEncodedBase64(u.ID),
			},
			Parameters:            credentialParameters,
			Timeout:               int(s.config.ChallengeTTL / time.Millisecond),
			CredentialExcludeList: exclusions,
			AuthenticatorSelection: protocol.AuthenticatorSelection{
				ResidentKey:      protocol.ResidentKeyRequirementRequired,
				UserVerification: s.userVerificationRequirement(),
			},
			Attestation: protocol.PreferNoAttestation,
		},
	}
	return creation, challenge.ID, nil
}

// FinishRegistration verifies the client's registration response and stores
// the new credential.
func (s *Service) FinishRegistration(ctx context.Context, u user.User, input RegistrationInput) (storage.PasskeyCredential, error) {
	challenge, err := s.consumeChallenge(ctx, input.ChallengeID, storage.ChallengePurposeRegistration)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	if challenge.UserID != u.ID {
		return storage.PasskeyCredential{}, errChallengeInvalid()
	}

	clientData, err := authenticator.DecodeClientData(input.ClientDataJSON)
	if err != nil {
		return storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyClientDataMismatch, "client data does not match this ceremony", err)
	}
	if clientData.Type != authenticator.CeremonyCreate {
		return storage.PasskeyCredential{}, errors.New(errors.CodePasskeyClientDataMismatch, "client data type is not a registration")
	}
	if !clientData.ChallengeEquals(challenge.Value) {
		return storage.PasskeyCredential{}, errors.New(errors.CodePasskeyClientDataMismatch, "client data challenge does not match")
	}
	if !s.originAllowed(clientData.Origin) {
		return storage.PasskeyCredential{}, errors.WithMetadata(errors.CodePasskeyClientDataMismatch, "origin is not an allowed relying party origin", map[string]string{
			"origin": clientData.Origin,
		})
	}

	attestation, err := authenticator.DecodeAttestationObject(input.AttestationObject)
	if err != nil {
		return storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyMalformedAttestation, "attestation object cannot be decoded", err)
	}
	authData, err := authenticator.Unmarshal(attestation.AuthData)
	if err != nil {
		return storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyAuthenticatorDataInvalid, "authenticator data cannot be decoded", err)
	}
	if err := s.checkAuthenticatorData(&authData); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if authData.AttestedCredential == nil {
		return storage.PasskeyCredential{}, errors.New(errors.CodePasskeyAuthenticatorDataInvalid, "authenticator data carries no attested credential")
	}

	publicKey, err := authenticator.ParsePublicKey(authData.AttestedCredential.PublicKey)
	if err != nil {
		return storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyMalformedAttestation, "credential public key cannot be parsed", err)
	}

	if err := s.checkAttestationStatement(&attestation, publicKey, input.ClientDataJSON); err != nil {
		return storage.PasskeyCredential{}, err
	}

	recordID, err := s.idGenerator()
	if err != nil {
		return storage.PasskeyCredential{}, storageFailure("generate credential id", err)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = defaultCredentialName
	}

	now := s.clock().UTC()
	credential := storage.PasskeyCredential{
		ID:           recordID,
		CredentialID: base64.RawURLEncoding.EncodeToString(authData.AttestedCredential.CredentialID),
		UserID:       u.ID,
		PublicKey:    authData.AttestedCredential.PublicKey,
		Algorithm:    publicKey.Algorithm,
		SignCount:    authData.SignCount,
		BackedUp:     authData.BackedUp(),
		Transports:   normalizeTransports(input.Transports),
		Name:         name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.credentials.PutPasskeyCredential(ctx, credential); err != nil {
		if errors.IsCode(err, errors.CodeConflict) {
			return storage.PasskeyCredential{}, errors.New(errors.CodePasskeyCredentialAlreadyRegistered, "credential is already registered")
		}
		return storage.PasskeyCredential{}, storageFailure("store credential", err)
	}
	return credential, nil
}

// normalizeTransports keeps the transport hints the client reported,
// dropping blanks. The values are informational and echoed back in
// allow-lists; they carry no security weight.
func normalizeTransports(transports []string) []string {
	var normalized []string
	for _, transport := range transports {
		transport = strings.TrimSpace(transport)
		if transport == "" {
			continue
		}
		normalized = append(normalized, transport)
	}
	return normalized
}

// checkAuthenticatorData enforces the RP binding and presence flags shared
// by both ceremonies.
func (s *Service) checkAuthenticatorData(data *authenticator.Data) error {
	rpIDHash := sha256.Sum256([]byte(s.config.RPID))
	if !data.RPIDHashEquals(rpIDHash[:]) {
		return errors.New(errors.CodePasskeyAuthenticatorDataInvalid, "rp id hash does not match this relying party")
	}
	if !data.UserPresent() {
		return errors.New(errors.CodePasskeyAuthenticatorDataInvalid, "user presence flag is not set")
	}
	if s.config.RequireUserVerification && !data.UserVerified() {
		return errors.New(errors.CodePasskeyAuthenticatorDataInvalid, "user verification flag is required but not set")
	}
	return nil
}

// checkAttestationStatement applies the attestation policy: "none" is
// accepted as-is, "packed" only as self-attestation with a valid signature
// by the credential key. Everything else is unsupported.
func (s *Service) checkAttestationStatement(attestation *authenticator.AttestationObject, publicKey *authenticator.PublicKey, clientDataJSON []byte) error {
	switch attestation.Format {
	case authenticator.FormatNone:
		return nil
	case authenticator.FormatPacked:
		statement, err := authenticator.DecodePackedStatement(attestation.Statement)
		if err != nil {
			return errors.Wrap(errors.CodePasskeyMalformedAttestation, "packed attestation statement cannot be decoded", err)
		}
		if !statement.SelfAttested() {
			return errors.New(errors.CodePasskeyUnsupportedAttestation, "packed attestation with certificate chains is not supported")
		}
		if statement.Algorithm != publicKey.Algorithm {
			return errors.New(errors.CodePasskeyMalformedAttestation, "packed attestation algorithm does not match the credential key")
		}
		clientDataHash := sha256.Sum256(clientDataJSON)
		signed := append(append([]byte{}, attestation.AuthData...), clientDataHash[:]...)
		if err := publicKey.Verify(signed, statement.Signature); err != nil {
			return errors.Wrap(errors.CodePasskeySignatureInvalid, "packed attestation signature does not verify", err)
		}
		return nil
	}
	return errors.WithMetadata(errors.CodePasskeyUnsupportedAttestation, "attestation format is not supported", map[string]string{
		"format": attestation.Format,
	})
}

func (s *Service) userVerificationRequirement() protocol.UserVerificationRequirement {
	if s.config.RequireUserVerification {
		return protocol.VerificationRequired
	}
	return protocol.VerificationPreferred
}
