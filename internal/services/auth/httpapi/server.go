// Package httpapi exposes the auth service over HTTP.
//
// Handlers are a thin JSON layer: they decode requests, call the passkey
// and session packages, and translate domain error codes into HTTP status
// codes. No ceremony policy lives here.
package httpapi

import (
	"net/http"
	"time"

	"github.com/tmarchant/fellhold/internal/platform/id"
	"github.com/tmarchant/fellhold/internal/services/auth/passkey"
	"github.com/tmarchant/fellhold/internal/services/auth/session"
	"github.com/tmarchant/fellhold/internal/services/auth/storage"
)

// Server hosts the passkey ceremony and credential management endpoints.
type Server struct {
	passkeys    *passkey.Service
	sessions    *session.Minter
	users       storage.UserStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewServer builds an HTTP server bound to the auth domain services.
func NewServer(passkeys *passkey.Service, sessions *session.Minter, users storage.UserStore) *Server {
	return &Server{
		passkeys:    passkeys,
		sessions:    sessions,
		users:       users,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// RegisterRoutes registers the auth HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.HandleFunc(http.MethodPost+" /users", s.handleCreateUser)

	mux.HandleFunc(http.MethodPost+" /webauthn/register/begin", s.handleBeginRegistration)
	mux.HandleFunc(http.MethodPost+" /webauthn/register/finish", s.handleFinishRegistration)
	mux.HandleFunc(http.MethodPost+" /webauthn/login/begin", s.handleBeginLogin)
	mux.HandleFunc(http.MethodPost+" /webauthn/login/finish", s.handleFinishLogin)

	mux.HandleFunc(http.MethodGet+" /passkeys", s.handleListPasskeys)
	mux.HandleFunc(http.MethodPatch+" /passkeys/{credentialID}", s.handleRenamePasskey)
	mux.HandleFunc(http.MethodDelete+" /passkeys/{credentialID}", s.handleDeletePasskey)

	mux.HandleFunc(http.MethodGet+" /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
