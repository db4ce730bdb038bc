package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Refresh-token store. Empty DatabaseURL selects the in-memory store
	// (dev only; sessions do not survive restarts).
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Redis for OTP throttling. Empty disables throttling.
	RedisAddr string

	// Upstream identity API.
	UpstreamBaseURL string
	UpstreamTimeout time.Duration

	// Secret backend: "aws" (Secrets Manager) or "env".
	SecretBackend    string
	SecretTTL        time.Duration
	MasterSecretName string
	APIKeySecretName string
	AWSRegion        string
	AWSEndpoint      string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("HALO_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("HALO_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("HALO_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HALO_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HALO_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HALO_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HALO_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("HALO_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("HALO_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HALO_DB_MIN_CONNS", 0),

		RedisAddr: EnvString("HALO_REDIS_ADDR", ""),

		UpstreamBaseURL: EnvString("HALO_UPSTREAM_URL", "http://127.0.0.1:9090"),
		UpstreamTimeout: EnvDuration("HALO_UPSTREAM_TIMEOUT", 10*time.Second),

		SecretBackend:    EnvString("HALO_SECRET_BACKEND", "env"),
		SecretTTL:        EnvDuration("HALO_SECRET_TTL", 5*time.Minute),
		MasterSecretName: EnvString("HALO_MASTER_SECRET_NAME", "halo/master-key"),
		APIKeySecretName: EnvString("HALO_API_KEY_SECRET_NAME", "halo/upstream-api-key"),
		AWSRegion:        EnvString("HALO_AWS_REGION", ""),
		AWSEndpoint:      EnvString("HALO_AWS_ENDPOINT", ""),

		ReadinessRequireDB: EnvBool("HALO_READINESS_REQUIRE_DB", false),
	}
}
