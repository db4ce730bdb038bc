// Package app wires the halo server runtime: config, logging, secrets,
// storage, HTTP routes, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"halo/internal/gate"
	"halo/internal/identity"
	"halo/internal/secrets"
	"halo/internal/session"
)

// App is the halo server runtime.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	redis *redis.Client

	gate     *gate.Handler
	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider, err := newSecretProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	secretCache := secrets.NewCache(provider, cfg.SecretTTL)
	keyring := secrets.NewKeyring(secretCache, cfg.MasterSecretName)

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	var (
		store     session.Store
		dbPool    *pgxpool.Pool
		dbEnabled bool
	)
	if cfg.DatabaseURL != "" {
		if err := RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		dbPool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db pool: %w", err)
		}
		store = session.NewPostgresStore(dbPool)
		dbEnabled = true
	} else {
		log.Warn("app.store.memory", "msg", "no database configured; sessions will not survive restarts")
		store = session.NewMemoryStore()
	}

	issuer := session.NewIssuer(sessCfg, keyring)
	metrics := session.NewMetrics(registry)
	coordinator := session.NewCoordinator(sessCfg, log, issuer, store, metrics)

	upstream := identity.NewClient(
		cfg.UpstreamBaseURL,
		cfg.APIKeySecretName,
		secretCache,
		&http.Client{Timeout: cfg.UpstreamTimeout},
	)

	gateCfg := gate.LoadConfigFromEnv()

	var redisClient *redis.Client
	var throttle *gate.RedisThrottle
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		throttle = gate.NewRedisThrottle(redisClient, gateCfg.OTPWindow, gateCfg.OTPKeyPrefix)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		redis:     redisClient,
		gate:      gate.NewHandler(log, gateCfg, coordinator, upstream, throttle),
		registry:  registry,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gate, a.registry)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("app.listen", "addr", a.cfg.HTTPAddr, "db", a.dbEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("app.shutdown.signal")
	case err := <-errCh:
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	a.close()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	a.log.Info("app.stopped")
	return nil
}

func (a *App) close() {
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func newSecretProvider(ctx context.Context, cfg Config) (secrets.Provider, error) {
	switch cfg.SecretBackend {
	case "aws":
		return secrets.NewAWSProvider(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	case "env", "":
		return secrets.EnvProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown secret backend %q", cfg.SecretBackend)
	}
}
