package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"keyvault/internal/apiclient"
	"keyvault/internal/codec"
	"keyvault/internal/config"
	"keyvault/internal/events"
	"keyvault/internal/keyhierarchy"
	"keyvault/internal/keystore"
	"keyvault/internal/logging"
	"keyvault/internal/trust"
)

// app holds everything a command needs. Fields that a command did not ask
// for stay nil.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	audit  *logging.AuditLogger
	store  keystore.Store
	dk     *codec.DeviceKey
	client *apiclient.Client
	events events.Publisher

	closers []func() error
}

var errNoDeviceKey = errors.New("no device key")

type needs struct {
	deviceKey bool
	api       bool
}

func loadConfig() (*config.Config, error) {
	return loadConfigFrom(config.NewLoader(configPath))
}

// loadConfigFrom loads through l so long-running commands can keep watching
// the same file.
func loadConfigFrom(l *config.Loader) (*config.Config, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, usageError("--log-level: %v", err)
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "keyvaultctl",
	})
}

func newAudit(cfg *config.Config) (*logging.AuditLogger, error) {
	if !cfg.Audit.Enabled {
		return logging.NopAudit(), nil
	}
	return logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Audit.FilePath,
		MaxSize:    int64(cfg.Audit.MaxSizeMB),
		MaxAge:     cfg.Audit.MaxAgeDays,
		MaxBackups: cfg.Audit.MaxBackups,
		Compress:   cfg.Audit.Compress,
		Component:  "keyvaultctl",
		DeviceID:   cfg.API.SessionID,
	})
}

func openStore(ctx context.Context, cfg *config.Config) (keystore.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return keystore.NewMemory(), nil
	default:
		return keystore.Open(ctx, cfg.Storage.Path, keystore.Options{
			BusyTimeoutMs:  cfg.Storage.BusyTimeoutMs,
			MaxConnections: cfg.Storage.MaxConnections,
		})
	}
}

func loadDeviceKey(cfg *config.Config) (*codec.DeviceKey, error) {
	switch cfg.DeviceKey.Source {
	case "env":
		encoded := os.Getenv(cfg.DeviceKey.EnvVar)
		if encoded == "" {
			return nil, fmt.Errorf("%w: variable %s is not set", errNoDeviceKey, cfg.DeviceKey.EnvVar)
		}
		return codec.ParseDeviceKey(encoded)
	default:
		dk, err := codec.LoadDeviceKeyFile(cfg.DeviceKey.Path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s; run 'keyvaultctl device-key generate' first", errNoDeviceKey, cfg.DeviceKey.Path)
		}
		return dk, err
	}
}

func newAPIClient(cfg *config.Config, log *logging.Logger) (*apiclient.Client, error) {
	if cfg.API.BaseURL == "" {
		return nil, usageError("api.base_url is not configured (set KEYVAULT_API_URL)")
	}
	policy := apiclient.RetryPolicy{
		MaxAttempts: cfg.API.RetryAttempts,
		Backoff:     time.Duration(cfg.API.RetryBackoffMs) * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
	if cfg.API.RateLimitPerSec > 0 {
		policy.Limiter = rate.NewLimiter(rate.Limit(cfg.API.RateLimitPerSec), 1)
	}
	return apiclient.New(apiclient.Config{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		SessionID: cfg.API.SessionID,
		Timeout:   cfg.APITimeout(),
		Retry:     policy,
		Logger:    log,
	})
}

// newPublisher connects to the configured event backend. A broken backend
// only costs notifications, so it degrades to Nop with a warning.
func newPublisher(ctx context.Context, cfg *config.Config, log *logging.Logger) events.Publisher {
	if !cfg.Events.Enabled || cfg.Events.Backend != "redis" {
		return events.Nop{}
	}
	pub, err := events.NewRedisPublisher(ctx, redisConfig(cfg), log)
	if err != nil {
		log.Warn("event publishing disabled", "error", err)
		return events.Nop{}
	}
	return pub
}

func redisConfig(cfg *config.Config) events.RedisConfig {
	return events.RedisConfig{
		Addr:        cfg.Events.RedisAddr,
		Username:    cfg.Events.RedisUsername,
		Password:    cfg.Events.RedisPassword,
		DB:          cfg.Events.RedisDB,
		TLS:         cfg.Events.RedisTLS,
		Channel:     cfg.Events.Channel,
		DialTimeout: 5 * time.Second,
	}
}

func openApp(ctx context.Context, n needs) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.log, err = newLogger(cfg); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(a.log)
	a.closers = append(a.closers, a.log.Close)

	if a.audit, err = newAudit(cfg); err != nil {
		return nil, fmt.Errorf("setup audit log: %w", err)
	}
	a.closers = append(a.closers, a.audit.Close)

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	if n.deviceKey {
		if a.dk, err = loadDeviceKey(cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { a.dk.Destroy(); return nil })
	}

	if n.api {
		if a.client, err = newAPIClient(cfg, a.log); err != nil {
			return nil, err
		}
	}

	a.events = newPublisher(ctx, cfg, a.log)
	a.closers = append(a.closers, a.events.Close)

	ok = true
	return a, nil
}

func (a *app) manager() *keyhierarchy.Manager {
	var api keyhierarchy.API
	if a.client != nil {
		api = a.client
	}
	return keyhierarchy.NewManager(a.store, api,
		keyhierarchy.WithLogger(a.log),
		keyhierarchy.WithAuditLogger(a.audit),
		keyhierarchy.WithPublisher(a.events),
	)
}

func (a *app) verifier() *trust.Verifier {
	var api trust.Fetcher
	if a.client != nil {
		api = a.client
	}
	return trust.NewVerifier(a.store, api,
		trust.WithLogger(a.log),
		trust.WithAuditLogger(a.audit),
		trust.WithPublisher(a.events),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
