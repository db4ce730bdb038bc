package gate

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// CookiePolicy is the environment-specific cookie configuration, injected once
// instead of being copy-pasted per handler.
type CookiePolicy struct {
	// RefreshName is the httpOnly cookie carrying the refresh token.
	RefreshName string
	// AuthFlagName is the JS-readable boolean cookie signalling a live session.
	AuthFlagName string
	// UserInfoName is the JS-readable cookie holding the user projection.
	UserInfoName string

	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// Config defines the SessionGate HTTP layer configuration.
type Config struct {
	MaxBodyBytes int64

	// TrustProxy controls whether X-Forwarded-For is honored for client IPs.
	TrustProxy bool

	// AllowCookieValidation lets validate-session report a cookie-only check
	// as valid (mode "cookie") for low-stakes UI reads. A signature-verified
	// access token is always required for mode "verified".
	AllowCookieValidation bool

	Cookies CookiePolicy

	// OTP request throttling (redis-backed, fail-open).
	OTPPerEmail  int
	OTPPerIP     int
	OTPWindow    time.Duration
	OTPKeyPrefix string
}

// DefaultConfig returns gate defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:          1 << 16,
		TrustProxy:            false,
		AllowCookieValidation: true,
		Cookies: CookiePolicy{
			RefreshName:  "refresh_token",
			AuthFlagName: "authenticated",
			UserInfoName: "user_info",
			Path:         "/",
			Secure:       true,
			SameSite:     http.SameSiteLaxMode,
		},
		OTPPerEmail:  3,
		OTPPerIP:     10,
		OTPWindow:    time.Minute,
		OTPKeyPrefix: "halo:otp",
	}
}

// LoadConfigFromEnv loads gate configuration from environment variables,
// falling back to DefaultConfig for anything unset.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("HALO_GATE_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HALO_GATE_TRUST_PROXY")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TrustProxy = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("HALO_GATE_ALLOW_COOKIE_VALIDATION")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowCookieValidation = b
		}
	}

	if v := strings.TrimSpace(os.Getenv("HALO_COOKIE_DOMAIN")); v != "" {
		cfg.Cookies.Domain = v
	}
	if v := strings.TrimSpace(os.Getenv("HALO_COOKIE_SECURE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cookies.Secure = b
		}
	}

	if v := strings.TrimSpace(os.Getenv("HALO_OTP_PER_EMAIL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OTPPerEmail = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HALO_OTP_PER_IP")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OTPPerIP = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HALO_OTP_WINDOW")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.OTPWindow = d
		}
	}

	return cfg
}
