package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls access-token TTL, refresh-token TTL, clock skew tolerance,
// refresh entropy size, and the reuse-cascade policy.
//
// This struct is intentionally explicit and environment-driven so that
// production deployments can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// Audience is the value set in the "aud" claim of access tokens.
	Audience string

	// AccessTokenTTL defines the lifetime of signed access tokens.
	// One value for every issuance path, including silent refresh.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL defines the lifetime of opaque refresh tokens.
	RefreshTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// RefreshTokenBytes defines the number of random bytes used
	// to generate opaque refresh tokens. Minimum 32 (256 bits).
	RefreshTokenBytes int

	// CascadeOnReuse controls the blast radius of reuse detection: when true,
	// presenting an already-rotated refresh token revokes every token the
	// owning user holds, not just the presented one.
	CascadeOnReuse bool
}

// DefaultConfig returns a secure default configuration suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:            "halo",
		Audience:          "halo-app",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
		CascadeOnReuse:    true,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - HALO_AUTH_ISSUER
//   - HALO_AUTH_AUDIENCE
//   - HALO_ACCESS_TTL
//   - HALO_REFRESH_TTL
//   - HALO_AUTH_CLOCK_SKEW
//   - HALO_REFRESH_TOKEN_BYTES
//   - HALO_CASCADE_ON_REUSE
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("HALO_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}
	if v := os.Getenv("HALO_AUTH_AUDIENCE"); v != "" {
		cfg.Audience = v
	}

	if v := os.Getenv("HALO_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("HALO_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenTTL = d
	}

	if v := os.Getenv("HALO_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("HALO_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	if v := os.Getenv("HALO_CASCADE_ON_REUSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.CascadeOnReuse = b
	}

	// Invariant: an access token must expire well before its refresh token.
	if cfg.AccessTokenTTL >= cfg.RefreshTokenTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
