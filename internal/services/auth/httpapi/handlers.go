package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/tmarchant/fellhold/internal/platform/errors"
	"github.com/tmarchant/fellhold/internal/services/auth/passkey"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"
	"github.com/tmarchant/fellhold/internal/services/auth/user"
)

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type userView struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	CreatedAt   int64  `json:"created_at"`
}

type sessionView struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type createUserResponse struct {
	User    userView    `json:"user"`
	Session sessionView `json:"session"`
}

type beginRegistrationResponse struct {
	ChallengeID string                       `json:"challenge_id"`
	PublicKey   *protocol.CredentialCreation `json:"options"`
}

type finishRegistrationRequest struct {
	ChallengeID       string                    `json:"challenge_id"`
	ClientDataJSON    protocol.URLEncodedBase64 `json:"client_data_json"`
	AttestationObject protocol.URLEncodedBase64 `json:"attestation_object"`
	Transports        []string                  `json:"transports,omitempty"`
	Name              string                    `json:"name,omitempty"`
}

type beginLoginRequest struct {
	Email string `json:"email,omitempty"`
}

type beginLoginResponse struct {
	ChallengeID string                        `json:"challenge_id"`
	PublicKey   *protocol.CredentialAssertion `json:"options"`
}

type finishLoginRequest struct {
	ChallengeID       string                    `json:"challenge_id"`
	CredentialID      string                    `json:"credential_id"`
	ClientDataJSON    protocol.URLEncodedBase64 `json:"client_data_json"`
	AuthenticatorData protocol.URLEncodedBase64 `json:"authenticator_data"`
	Signature         protocol.URLEncodedBase64 `json:"signature"`
}

type finishLoginResponse struct {
	User    userView    `json:"user"`
	Session sessionView `json:"session"`
}

type passkeyView struct {
	ID           string   `json:"id"`
	CredentialID string   `json:"credential_id"`
	Name         string   `json:"name"`
	BackedUp     bool     `json:"backed_up"`
	Transports   []string `json:"transports,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	LastUsedAt   int64    `json:"last_used_at,omitempty"`
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}

	account, err := user.CreateUser(user.CreateUserInput{
		Email:       req.Email,
		DisplayName: req.DisplayName,
	}, s.clock, s.idGenerator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.users.PutUser(r.Context(), account); err != nil {
		if apperrors.IsCode(err, apperrors.CodeConflict) {
			writeDomainError(w, apperrors.New(apperrors.CodeUserEmailTaken, "email is already registered"))
			return
		}
		writeDomainError(w, err)
		return
	}

	token, expiresAt, err := s.sessions.Mint(account)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to mint session")
		return
	}
	writeJSON(w, http.StatusCreated, createUserResponse{
		User:    toUserView(account),
		Session: sessionView{Token: token, ExpiresAt: expiresAt.UnixMilli()},
	})
}

func (s *Server) handleBeginRegistration(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	creation, challengeID, err := s.passkeys.BeginRegistration(r.Context(), account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginRegistrationResponse{ChallengeID: challengeID, PublicKey: creation})
}

func (s *Server) handleFinishRegistration(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req finishRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	credential, err := s.passkeys.FinishRegistration(r.Context(), account, passkey.RegistrationInput{
		ChallengeID:       req.ChallengeID,
		ClientDataJSON:    req.ClientDataJSON,
		AttestationObject: req.AttestationObject,
		Transports:        req.Transports,
		Name:              req.Name,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPasskeyView(credential))
}

func (s *Server) handleBeginLogin(w http.ResponseWriter, r *http.Request) {
	var req beginLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	assertion, challengeID, err := s.passkeys.BeginAuthentication(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginLoginResponse{ChallengeID: challengeID, PublicKey: assertion})
}

func (s *Server) handleFinishLogin(w http.ResponseWriter, r *http.Request) {
	var req finishLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	account, _, err := s.passkeys.FinishAuthentication(r.Context(), passkey.AuthenticationInput{
		ChallengeID:       req.ChallengeID,
		CredentialID:      req.CredentialID,
		ClientDataJSON:    req.ClientDataJSON,
		AuthenticatorData: req.AuthenticatorData,
		Signature:         req.Signature,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	token, expiresAt, err := s.sessions.Mint(account)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to mint session")
		return
	}
	writeJSON(w, http.StatusOK, finishLoginResponse{
		User:    toUserView(account),
		Session: sessionView{Token: token, ExpiresAt: expiresAt.UnixMilli()},
	})
}

func (s *Server) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	credentials, err := s.passkeys.ListPasskeys(r.Context(), account.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]passkeyView, 0, len(credentials))
	for _, credential := range credentials {
		views = append(views, toPasskeyView(credential))
	}
	writeJSON(w, http.StatusOK, map[string][]passkeyView{"passkeys": views})
}

func (s *Server) handleRenamePasskey(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	credentialID := strings.TrimSpace(r.PathValue("credentialID"))
	var req renamePasskeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	credential, err := s.passkeys.RenamePasskey(r.Context(), account.ID, credentialID, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPasskeyView(credential))
}

func (s *Server) handleDeletePasskey(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	credentialID := strings.TrimSpace(r.PathValue("credentialID"))
	if err := s.passkeys.DeletePasskey(r.Context(), account.ID, credentialID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireSession authenticates the request from its bearer token and loads
// the account. On failure it writes the error response and reports false.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (user.User, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeSessionInvalidToken), "bearer token is required")
		return user.User{}, false
	}
	validated, err := s.sessions.Validate(strings.TrimSpace(token))
	if err != nil {
		writeDomainError(w, err)
		return user.User{}, false
	}
	account, err := s.users.GetUser(r.Context(), validated.UserID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeSessionInvalidToken), "session user no longer exists")
			return user.User{}, false
		}
		writeDomainError(w, err)
		return user.User{}, false
	}
	return account, true
}

func toUserView(u user.User) userView {
	return userView{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt.UnixMilli(),
	}
}

func toPasskeyView(credential storage.PasskeyCredential) passkeyView {
	view := passkeyView{
		ID:           credential.ID,
		CredentialID: credential.CredentialID,
		Name:         credential.Name,
		BackedUp:     credential.BackedUp,
		Transports:   credential.Transports,
		CreatedAt:    credential.CreatedAt.UnixMilli(),
	}
	if credential.LastUsedAt != nil {
		view.LastUsedAt = credential.LastUsedAt.UnixMilli()
	}
	return view
}

// writeDomainError maps a domain error code to its HTTP status. Unknown
// errors collapse into a generic 500 so internals do not leak.
func writeDomainError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	description := "internal error"
	if status != http.StatusInternalServerError {
		description = err.Error()
	}
	writeJSONError(w, status, string(code), description)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
