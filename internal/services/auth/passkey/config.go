package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tmarchant/fellhold/internal/platform/branding"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName           string        `env:"FELLHOLD_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID                    string        `env:"FELLHOLD_WEBAUTHN_RP_ID"                     envDefault:"localhost"`
	RPOrigins               []string      `env:"FELLHOLD_WEBAUTHN_RP_ORIGINS"                envSeparator:","`
	ChallengeTTL            time.Duration `env:"FELLHOLD_WEBAUTHN_CHALLENGE_TTL"             envDefault:"5m"`
	RequireUserVerification bool          `env:"FELLHOLD_WEBAUTHN_REQUIRE_USER_VERIFICATION"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: branding.AppName,
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8086"},
			ChallengeTTL:  5 * time.Minute,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = branding.AppName
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8086"}
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return cfg
}
