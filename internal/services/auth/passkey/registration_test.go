package passkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/tmarchant/fellhold/internal/services/auth/authenticator"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"

	apperrors "github.com/tmarchant/fellhold/internal/platform/errors"
)

func TestBeginRegistrationIssuesChallenge(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if challengeID == "" {
		t.Fatal("expected challenge id")
	}
	if len(creation.Response.Challenge) != challengeSize {
		t.Fatalf("challenge length = %d, want %d", len(creation.Response.Challenge), challengeSize)
	}
	if creation.Response.RelyingParty.ID != testRPID {
		t.Fatalf("rp id = %q", creation.Response.RelyingParty.ID)
	}
	if len(creation.Response.Parameters) != 3 {
		t.Fatalf("parameters = %d, want 3", len(creation.Response.Parameters))
	}
	if creation.Response.AuthenticatorSelection.ResidentKey != protocol.ResidentKeyRequirementRequired {
		t.Fatalf("resident key = %q", creation.Response.AuthenticatorSelection.ResidentKey)
	}

	stored, ok := env.challenges.challenges[challengeID]
	if !ok {
		t.Fatal("expected stored challenge")
	}
	if stored.Purpose != storage.ChallengePurposeRegistration {
		t.Fatalf("purpose = %q", stored.Purpose)
	}
	if stored.UserID != account.ID {
		t.Fatalf("user id = %q", stored.UserID)
	}
	if !stored.ExpiresAt.Equal(testStart.Add(5 * time.Minute)) {
		t.Fatalf("expires at = %v", stored.ExpiresAt)
	}
}

func TestBeginRegistrationExcludesExistingCredentials(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	env.register(t, account, newTestAuthenticator(t, "device-a"))

	creation, _, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if len(creation.Response.CredentialExcludeList) != 1 {
		t.Fatalf("exclude list = %d, want 1", len(creation.Response.CredentialExcludeList))
	}
	if string(creation.Response.CredentialExcludeList[0].CredentialID) != "device-a" {
		t.Fatalf("excluded id = %q", creation.Response.CredentialExcludeList[0].CredentialID)
	}
}

func TestFinishRegistrationStoresCredential(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	credential := env.register(t, account, device)
	if credential.UserID != account.ID {
		t.Fatalf("user id = %q", credential.UserID)
	}
	if credential.CredentialID != base64RawURL([]byte("device-a")) {
		t.Fatalf("credential id = %q", credential.CredentialID)
	}
	if credential.Algorithm != -7 {
		t.Fatalf("algorithm = %d, want -7", credential.Algorithm)
	}
	if credential.Name != defaultCredentialName {
		t.Fatalf("name = %q", credential.Name)
	}

	stored, err := env.passkeys.GetPasskeyCredential(context.Background(), credential.CredentialID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.ID != credential.ID {
		t.Fatalf("record id = %q, want %q", stored.ID, credential.ID)
	}
}

func TestFinishRegistrationRejectsReplayedChallenge(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)
	input := RegistrationInput{ChallengeID: challengeID, ClientDataJSON: clientDataJSON, AttestationObject: attestationObject}

	if _, err := env.svc.FinishRegistration(context.Background(), account, input); err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	_, err = env.svc.FinishRegistration(context.Background(), account, input)
	assertCode(t, err, apperrors.CodePasskeyChallengeInvalid)
}

func TestFinishRegistrationRejectsExpiredChallenge(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	env.clock.Advance(6 * time.Minute)

	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)
	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyChallengeInvalid)

	// An expired challenge stays burned even if the clock were rolled back.
	if stored := env.challenges.challenges[challengeID]; stored.ConsumedAt == nil {
		t.Fatal("expected expired challenge to be consumed")
	}
}

func TestFinishRegistrationRejectsChallengeForOtherUser(t *testing.T) {
	env := newTestEnv(t)
	alpha := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	beta := env.addUser(t, "user-2", "beta@example.com", "Beta")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), alpha)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)
	_, err = env.svc.FinishRegistration(context.Background(), beta, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyChallengeInvalid)
}

func TestFinishRegistrationRejectsWrongOrigin(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, "https://evil.example")
	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyClientDataMismatch)
}

func TestFinishRegistrationRejectsWrongCeremonyType(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyAssert, creation.Response.Challenge, testOrigin)
	_, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)
	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyClientDataMismatch)
}

func TestFinishRegistrationRejectsMalformedAttestation(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyCreate, creation.Response.Challenge, testOrigin)
	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: []byte{0xff, 0x00},
	})
	assertCode(t, err, apperrors.CodePasskeyMalformedAttestation)
}

func TestFinishRegistrationRejectsWrongRPIDHash(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	authData, err := authenticator.Marshal(&authenticator.Data{
		RPIDHash:  rpIDHash("other.example"),
		Flags:     authenticator.FlagUserPresent,
		SignCount: 0,
		AttestedCredential: &authenticator.AttestedCredentialData{
			AAGUID:       device.aaguid,
			CredentialID: device.credentialID,
			PublicKey:    device.coseKey(t),
		},
	})
	if err != nil {
		t.Fatalf("marshal authenticator data: %v", err)
	}
	attestationObject := marshalAttestationObject(t, "none", map[string]any{}, authData)
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyCreate, creation.Response.Challenge, testOrigin)

	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyAuthenticatorDataInvalid)
}

func TestFinishRegistrationRejectsMissingUserPresence(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	authData, err := authenticator.Marshal(&authenticator.Data{
		RPIDHash:  rpIDHash(testRPID),
		Flags:     0,
		SignCount: 0,
		AttestedCredential: &authenticator.AttestedCredentialData{
			AAGUID:       device.aaguid,
			CredentialID: device.credentialID,
			PublicKey:    device.coseKey(t),
		},
	})
	if err != nil {
		t.Fatalf("marshal authenticator data: %v", err)
	}
	attestationObject := marshalAttestationObject(t, "none", map[string]any{}, authData)
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyCreate, creation.Response.Challenge, testOrigin)

	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyAuthenticatorDataInvalid)
}

func TestFinishRegistrationRejectsDuplicateCredentialAcrossUsers(t *testing.T) {
	env := newTestEnv(t)
	alpha := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	beta := env.addUser(t, "user-2", "beta@example.com", "Beta")
	device := newTestAuthenticator(t, "device-a")
	env.register(t, alpha, device)

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), beta)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)
	_, err = env.svc.FinishRegistration(context.Background(), beta, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyCredentialAlreadyRegistered)
}

func TestFinishRegistrationRejectsUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	attestationObject := marshalAttestationObject(t, "fido-u2f", map[string]any{}, device.registrationAuthData(t))
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyCreate, creation.Response.Challenge, testOrigin)

	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeyUnsupportedAttestation)
}

func TestFinishRegistrationAcceptsPackedSelfAttestation(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyCreate, creation.Response.Challenge, testOrigin)
	authData := device.registrationAuthData(t)

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signed)
	signature, err := ecdsa.SignASN1(rand.Reader, device.key, digest[:])
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	attestationObject := marshalAttestationObject(t, "packed", map[string]any{
		"alg": -7,
		"sig": signature,
	}, authData)

	credential, err := env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if credential.Algorithm != -7 {
		t.Fatalf("algorithm = %d", credential.Algorithm)
	}
}

func TestFinishRegistrationRejectsPackedWithBadSignature(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyCreate, creation.Response.Challenge, testOrigin)
	authData := device.registrationAuthData(t)

	other := newTestAuthenticator(t, "device-b")
	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signed)
	signature, err := ecdsa.SignASN1(rand.Reader, other.key, digest[:])
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	attestationObject := marshalAttestationObject(t, "packed", map[string]any{
		"alg": -7,
		"sig": signature,
	}, authData)

	_, err = env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	assertCode(t, err, apperrors.CodePasskeySignatureInvalid)
}

func TestFinishRegistrationKeepsCustomName(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)
	credential, err := env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
		Name:              "  Work Laptop  ",
	})
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if credential.Name != "Work Laptop" {
		t.Fatalf("name = %q", credential.Name)
	}
}

func TestFinishRegistrationKeepsTransports(t *testing.T) {
	env := newTestEnv(t)
	account := env.addUser(t, "user-1", "alpha@example.com", "Alpha")
	device := newTestAuthenticator(t, "device-a")

	creation, challengeID, err := env.svc.BeginRegistration(context.Background(), account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)
	credential, err := env.svc.FinishRegistration(context.Background(), account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
		Transports:        []string{"internal", " hybrid ", ""},
	})
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if len(credential.Transports) != 2 || credential.Transports[0] != "internal" || credential.Transports[1] != "hybrid" {
		t.Fatalf("transports = %v", credential.Transports)
	}

	assertion, _, err := env.svc.BeginAuthentication(context.Background(), account.Email)
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	if len(assertion.Response.AllowedCredentials) != 1 {
		t.Fatalf("allowed credentials = %d", len(assertion.Response.AllowedCredentials))
	}
	if len(assertion.Response.AllowedCredentials[0].Transport) != 2 {
		t.Fatalf("allow-list transports = %v", assertion.Response.AllowedCredentials[0].Transport)
	}
}

func marshalAttestationObject(t *testing.T, format string, statement map[string]any, authData []byte) []byte {
	t.Helper()
	raw, err := cbor.Marshal(map[string]any{
		"fmt":      format,
		"attStmt":  statement,
		"authData": authData,
	})
	if err != nil {
		t.Fatalf("marshal attestation object: %v", err)
	}
	return raw
}
