package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmarchant/fellhold/internal/services/auth/httpapi"
	"github.com/tmarchant/fellhold/internal/services/auth/passkey"
	"github.com/tmarchant/fellhold/internal/services/auth/session"
	authsqlite "github.com/tmarchant/fellhold/internal/services/auth/storage/sqlite"
)

const challengeSweepInterval = time.Minute

// Server hosts the auth service HTTP API.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *authsqlite.Store
}

// New creates a configured auth server listening on the provided address.
func New(httpAddr string) (*Server, error) {
	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	store, err := openAuthStore()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	passkeyConfig := passkey.LoadConfigFromEnv()
	passkeys := passkey.NewService(passkeyConfig, store, store, store)

	sessionConfig, err := loadSessionConfig()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	sessions := session.NewMinter(sessionConfig)

	mux := http.NewServeMux()
	httpapi.NewServer(passkeys, sessions, store).RegisterRoutes(mux)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: mux},
		store:      store,
	}, nil
}

// Addr returns the listener address for the auth server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, httpAddr string) error {
	server, err := New(httpAddr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the auth server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startChallengeSweep(serverCtx, challengeSweepInterval)

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		shutdown()
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startChallengeSweep deletes expired challenges on an interval until the
// context ends.
func (s *Server) startChallengeSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.DeleteExpiredChallenges(ctx, time.Now().UTC()); err != nil {
					log.Printf("delete expired challenges: %v", err)
				}
			}
		}
	}()
}

func openAuthStore() (*authsqlite.Store, error) {
	path := strings.TrimSpace(os.Getenv("FELLHOLD_AUTH_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "auth.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := authsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth sqlite store: %w", err)
	}
	return store, nil
}

// loadSessionConfig reads the session signing config from the environment.
// When no session variables are set at all it generates an ephemeral key so
// local runs work without setup; sessions minted with an ephemeral key do not
// survive a restart.
func loadSessionConfig() (session.Config, error) {
	if sessionEnvConfigured() {
		return session.LoadConfigFromEnv()
	}
	log.Printf("session signing key not configured; using an ephemeral key")
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return session.Config{}, fmt.Errorf("generate ephemeral session key: %w", err)
	}
	return session.Config{
		Issuer:   "fellhold-auth",
		Audience: "fellhold",
		Key:      key,
		TTL:      24 * time.Hour,
	}, nil
}

func sessionEnvConfigured() bool {
	for _, name := range []string{
		"FELLHOLD_SESSION_ISSUER",
		"FELLHOLD_SESSION_AUDIENCE",
		"FELLHOLD_SESSION_PRIVATE_KEY",
	} {
		if strings.TrimSpace(os.Getenv(name)) != "" {
			return true
		}
	}
	return false
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close auth store: %v", err)
		}
	}
}
