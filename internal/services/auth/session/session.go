// Package session issues and validates signed session tokens for users who
// completed a passkey ceremony.
package session

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/tmarchant/fellhold/internal/platform/errors"
	"github.com/tmarchant/fellhold/internal/platform/id"
	"github.com/tmarchant/fellhold/internal/services/auth/user"
)

// sessionEnv holds raw env values before post-parse validation.
type sessionEnv struct {
	Issuer     string        `env:"FELLHOLD_SESSION_ISSUER"`
	Audience   string        `env:"FELLHOLD_SESSION_AUDIENCE"`
	PrivateKey string        `env:"FELLHOLD_SESSION_PRIVATE_KEY"`
	TTL        time.Duration `env:"FELLHOLD_SESSION_TTL"         envDefault:"24h"`
}

// Config defines how session tokens are signed and verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	TTL      time.Duration
}

// LoadConfigFromEnv reads session signing configuration. All of issuer,
// audience, and private key are required; there is no safe default for a
// signing key.
func LoadConfigFromEnv() (Config, error) {
	var raw sessionEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse session env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("FELLHOLD_SESSION_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("FELLHOLD_SESSION_AUDIENCE is required")
	}
	if privateKey == "" {
		return Config{}, fmt.Errorf("FELLHOLD_SESSION_PRIVATE_KEY is required")
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode session private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return Config{}, fmt.Errorf("session private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if raw.TTL <= 0 {
		return Config{}, fmt.Errorf("session ttl must be positive")
	}

	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PrivateKey(keyBytes),
		TTL:      raw.TTL,
	}, nil
}

// Session captures the validated claims of a session token.
type Session struct {
	TokenID   string
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Minter signs and validates session tokens.
type Minter struct {
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewMinter builds a minter with production defaults.
func NewMinter(config Config) *Minter {
	return &Minter{
		config:      config,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// Mint issues a session token for u and returns it with its expiry.
func (m *Minter) Mint(u user.User) (string, time.Time, error) {
	if m.config.Issuer == "" || m.config.Audience == "" || len(m.config.Key) != ed25519.PrivateKeySize {
		return "", time.Time{}, errors.New("session signer is not configured")
	}
	tokenID, err := m.idGenerator()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token id: %w", err)
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.config.TTL)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Audience:  jwt.ClaimStrings{m.config.Audience},
			Subject:   u.ID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: u.Email,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.config.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate verifies a session token and returns its claims.
func (m *Minter) Validate(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, apperrors.New(apperrors.CodeSessionInvalidToken, "session token is required")
	}
	if m.config.Issuer == "" || m.config.Audience == "" || len(m.config.Key) != ed25519.PrivateKeySize {
		return Session{}, errors.New("session verifier is not configured")
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return m.config.Key.Public(), nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeSessionInvalidToken, "session token cannot be parsed", err)
	}

	if parsed.Issuer == "" || parsed.Issuer != m.config.Issuer {
		return Session{}, apperrors.New(apperrors.CodeSessionInvalidToken, "session token issuer mismatch")
	}
	if !audienceContains(parsed.Audience, m.config.Audience) {
		return Session{}, apperrors.New(apperrors.CodeSessionInvalidToken, "session token audience mismatch")
	}
	if parsed.Subject == "" {
		return Session{}, apperrors.New(apperrors.CodeSessionInvalidToken, "session token subject is required")
	}
	if parsed.ID == "" {
		return Session{}, apperrors.New(apperrors.CodeSessionInvalidToken, "session token jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Session{}, apperrors.New(apperrors.CodeSessionInvalidToken, "session token exp is required")
	}

	now := m.clock().UTC()
	expiresAt := parsed.ExpiresAt.Time.UTC()
	if !expiresAt.After(now) {
		return Session{}, apperrors.New(apperrors.CodeSessionExpiredToken, "session token is expired")
	}

	session := Session{
		TokenID:   parsed.ID,
		UserID:    parsed.Subject,
		Email:     parsed.Email,
		ExpiresAt: expiresAt,
	}
	if parsed.IssuedAt != nil {
		session.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return session, nil
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, entry := range audience {
		if entry == expected {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
