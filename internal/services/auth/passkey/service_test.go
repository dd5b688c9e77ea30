package passkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tmarchant/fellhold/internal/services/auth/authenticator"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"
	"github.com/tmarchant/fellhold/internal/services/auth/user"

	apperrors "github.com/tmarchant/fellhold/internal/platform/errors"
)

const (
	testRPID   = "fellhold.example"
	testOrigin = "https://fellhold.example"
)

var testStart = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc        *Service
	users      *fakeUserStore
	passkeys   *fakePasskeyStore
	challenges *fakeChallengeStore
	clock      *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	users := newFakeUserStore()
	passkeys := newFakePasskeyStore()
	challenges := newFakeChallengeStore()
	clock := &testClock{now: testStart}

	svc := NewService(Config{
		RPDisplayName: "Fellhold",
		RPID:          testRPID,
		RPOrigins:     []string{testOrigin},
		ChallengeTTL:  5 * time.Minute,
	}, users, passkeys, challenges)
	svc.clock = clock.Now

	counter := 0
	svc.idGenerator = func() (string, error) {
		counter++
		return fmt.Sprintf("id-%04d", counter), nil
	}

	return &testEnv{svc: svc, users: users, passkeys: passkeys, challenges: challenges, clock: clock}
}

func (e *testEnv) addUser(t *testing.T, id, email, displayName string) user.User {
	t.Helper()
	account := user.User{
		ID:          id,
		Email:       user.NormalizeEmail(email),
		DisplayName: displayName,
		CreatedAt:   testStart,
		UpdatedAt:   testStart,
	}
	if err := e.users.PutUser(context.Background(), account); err != nil {
		t.Fatalf("put user: %v", err)
	}
	return account
}

// register runs a full registration ceremony for account with device.
func (e *testEnv) register(t *testing.T, account user.User, device *testAuthenticator) storage.PasskeyCredential {
	t.Helper()
	ctx := context.Background()

	creation, challengeID, err := e.svc.BeginRegistration(ctx, account)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	clientDataJSON, attestationObject := device.attest(t, creation.Response.Challenge, testOrigin)

	credential, err := e.svc.FinishRegistration(ctx, account, RegistrationInput{
		ChallengeID:       challengeID,
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
	})
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	return credential
}

func assertCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s", code)
	}
	if got := apperrors.GetCode(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

// testAuthenticator simulates a P-256 platform authenticator.
type testAuthenticator struct {
	key          *ecdsa.PrivateKey
	credentialID []byte
	aaguid       []byte
	signCount    uint32
}

func newTestAuthenticator(t *testing.T, credentialID string) *testAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate authenticator key: %v", err)
	}
	aaguid := make([]byte, 16)
	copy(aaguid, credentialID)
	return &testAuthenticator{
		key:          key,
		credentialID: []byte(credentialID),
		aaguid:       aaguid,
	}
}

func (a *testAuthenticator) coseKey(t *testing.T) []byte {
	t.Helper()
	encoded, err := cbor.Marshal(map[int]any{
		1:  2,
		3:  -7,
		-1: 1,
		-2: a.key.PublicKey.X.FillBytes(make([]byte, 32)),
		-3: a.key.PublicKey.Y.FillBytes(make([]byte, 32)),
	})
	if err != nil {
		t.Fatalf("marshal cose key: %v", err)
	}
	return encoded
}

func clientDataJSONFor(t *testing.T, ceremony string, challenge []byte, origin string) []byte {
	t.Helper()
	data := authenticator.ClientData{
		Type:      ceremony,
		Challenge: base64RawURL(challenge),
		Origin:    origin,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal client data: %v", err)
	}
	return raw
}

func (a *testAuthenticator) registrationAuthData(t *testing.T) []byte {
	t.Helper()
	raw, err := authenticator.Marshal(&authenticator.Data{
		RPIDHash:  rpIDHash(testRPID),
		Flags:     authenticator.FlagUserPresent | authenticator.FlagUserVerified,
		SignCount: a.signCount,
		AttestedCredential: &authenticator.AttestedCredentialData{
			AAGUID:       a.aaguid,
			CredentialID: a.credentialID,
			PublicKey:    a.coseKey(t),
		},
	})
	if err != nil {
		t.Fatalf("marshal authenticator data: %v", err)
	}
	return raw
}

// attest produces clientDataJSON and a "none"-format attestation object for
// a registration ceremony.
func (a *testAuthenticator) attest(t *testing.T, challenge []byte, origin string) ([]byte, []byte) {
	t.Helper()
	clientDataJSON := clientDataJSONFor(t, authenticator.CeremonyCreate, challenge, origin)
	attestationObject, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": a.registrationAuthData(t),
	})
	if err != nil {
		t.Fatalf("marshal attestation object: %v", err)
	}
	return clientDataJSON, attestationObject
}

// assert produces the client payload for an authentication ceremony with
// the given sign count.
func (a *testAuthenticator) assert(t *testing.T, challenge []byte, origin string, signCount uint32) (clientDataJSON, authData, signature []byte) {
	t.Helper()
	clientDataJSON = clientDataJSONFor(t, authenticator.CeremonyAssert, challenge, origin)
	authData, err := authenticator.Marshal(&authenticator.Data{
		RPIDHash:  rpIDHash(testRPID),
		Flags:     authenticator.FlagUserPresent | authenticator.FlagUserVerified,
		SignCount: signCount,
	})
	if err != nil {
		t.Fatalf("marshal authenticator data: %v", err)
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signed)
	signature, err = ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return clientDataJSON, authData, signature
}

func base64RawURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func rpIDHash(rpID string) []byte {
	digest := sha256.Sum256([]byte(rpID))
	return digest[:]
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]user.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]user.User)}
}

func (f *fakeUserStore) PutUser(_ context.Context, u user.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeUserStore) GetUser(_ context.Context, userID string) (user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = user.NormalizeEmail(email)
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

type fakeChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]storage.Challenge
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{challenges: make(map[string]storage.Challenge)}
}

func (f *fakeChallengeStore) PutChallenge(_ context.Context, challenge storage.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[challenge.ID] = challenge
	return nil
}

func (f *fakeChallengeStore) ConsumeChallenge(_ context.Context, id string, now time.Time) (storage.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	challenge, ok := f.challenges[id]
	if !ok || challenge.ConsumedAt != nil {
		return storage.Challenge{}, storage.ErrNotFound
	}
	consumed := now
	challenge.ConsumedAt = &consumed
	f.challenges[id] = challenge
	if challenge.ExpiresAt.Before(now) {
		return storage.Challenge{}, storage.ErrChallengeExpired
	}
	return challenge, nil
}

func (f *fakeChallengeStore) DeleteExpiredChallenges(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, challenge := range f.challenges {
		if challenge.ExpiresAt.Before(now) {
			delete(f.challenges, id)
		}
	}
	return nil
}

type fakePasskeyStore struct {
	mu          sync.Mutex
	credentials []storage.PasskeyCredential
}

func newFakePasskeyStore() *fakePasskeyStore {
	return &fakePasskeyStore{}
}

func (f *fakePasskeyStore) PutPasskeyCredential(_ context.Context, credential storage.PasskeyCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.credentials {
		if existing.CredentialID == credential.CredentialID || existing.ID == credential.ID {
			return storage.ErrConflict
		}
	}
	f.credentials = append(f.credentials, credential)
	return nil
}

func (f *fakePasskeyStore) GetPasskeyCredential(_ context.Context, credentialID string) (storage.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, credential := range f.credentials {
		if credential.CredentialID == credentialID {
			return credential, nil
		}
	}
	return storage.PasskeyCredential{}, storage.ErrNotFound
}

func (f *fakePasskeyStore) GetPasskeyCredentialByRecordID(_ context.Context, id string) (storage.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, credential := range f.credentials {
		if credential.ID == id {
			return credential, nil
		}
	}
	return storage.PasskeyCredential{}, storage.ErrNotFound
}

func (f *fakePasskeyStore) ListPasskeyCredentials(_ context.Context, userID string) ([]storage.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.PasskeyCredential
	for _, credential := range f.credentials {
		if credential.UserID == userID {
			out = append(out, credential)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakePasskeyStore) RenamePasskeyCredential(_ context.Context, userID, id, name string, now time.Time) (storage.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, credential := range f.credentials {
		if credential.ID == id && credential.UserID == userID {
			f.credentials[i].Name = name
			f.credentials[i].UpdatedAt = now
			return f.credentials[i], nil
		}
	}
	return storage.PasskeyCredential{}, storage.ErrNotFound
}

func (f *fakePasskeyStore) DeletePasskeyCredential(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, credential := range f.credentials {
		if credential.ID == id && credential.UserID == userID {
			f.credentials = append(f.credentials[:i], f.credentials[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakePasskeyStore) UpdatePasskeySignCount(_ context.Context, credentialID string, fromCount, toCount uint32, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, credential := range f.credentials {
		if credential.CredentialID != credentialID {
			continue
		}
		if credential.SignCount != fromCount {
			return storage.ErrStaleCounter
		}
		f.credentials[i].SignCount = toCount
		used := usedAt
		f.credentials[i].LastUsedAt = &used
		f.credentials[i].UpdatedAt = usedAt
		return nil
	}
	return storage.ErrNotFound
}
