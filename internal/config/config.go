// Package config loads service configuration. Values come from an optional
// YAML file merged with environment variables; the environment wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every tunable of the auth core.
type Config struct {
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Collaborators
	DatabaseURL   string `koanf:"database_url"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// Tokens
	TokenSecret string        `koanf:"token_secret"`
	Issuer      string        `koanf:"issuer"`
	AccessTTL   time.Duration `koanf:"access_ttl"`
	RefreshTTL  time.Duration `koanf:"refresh_ttl"`

	// Credential lockout
	LockoutThreshold int           `koanf:"lockout_threshold"`
	LockoutWindow    time.Duration `koanf:"lockout_window"`

	// Audit delivery
	AuditBufferSize   int           `koanf:"audit_buffer_size"`
	AuditMaxRetries   int           `koanf:"audit_max_retries"`
	AuditRetryBackoff time.Duration `koanf:"audit_retry_backoff"`

	// Layered cache
	CacheLocalSize int           `koanf:"cache_local_size"`
	CacheLocalTTL  time.Duration `koanf:"cache_local_ttl"`
	CacheRemoteTTL time.Duration `koanf:"cache_remote_ttl"`

	// I/O bounds
	StoreTimeout time.Duration `koanf:"store_timeout"`

	// Session retention
	SessionSweepInterval time.Duration `koanf:"session_sweep_interval"`
	SessionGracePeriod   time.Duration `koanf:"session_grace_period"`

	// Gateway rate limits (requests per second, burst)
	RateLimitPerSecond int `koanf:"rate_limit_per_second"`
	RateLimitBurst     int `koanf:"rate_limit_burst"`
	LoginRatePerMinute int `koanf:"login_rate_per_minute"`
}

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrMissingTokenSecret = errors.New("AUTHGRID_TOKEN_SECRET is required")
	ErrInvalidPort        = errors.New("PORT must be a valid integer")
)

// Defaults for everything that is not a secret.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultIssuer               = "authgrid"
	DefaultAccessTTL            = 15 * time.Minute
	DefaultRefreshTTL           = 14 * 24 * time.Hour
	DefaultLockoutThreshold     = 5
	DefaultLockoutWindow        = 15 * time.Minute
	DefaultAuditBufferSize      = 1024
	DefaultAuditMaxRetries      = 5
	DefaultAuditRetryBackoff    = 200 * time.Millisecond
	DefaultCacheLocalSize       = 4096
	DefaultCacheLocalTTL        = 30 * time.Second
	DefaultCacheRemoteTTL       = 5 * time.Minute
	DefaultStoreTimeout         = 3 * time.Second
	DefaultSessionSweepInterval = 10 * time.Minute
	DefaultSessionGracePeriod   = 24 * time.Hour
	DefaultRateLimitPerSecond   = 50
	DefaultRateLimitBurst       = 100
	DefaultLoginRatePerMinute   = 10
)

// Load reads configuration from an optional YAML file and the environment.
func Load(configFilePath string) (*Config, error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configFilePath, err)
		}
	}

	cfg := &Config{
		Port:                 DefaultPort,
		Env:                  DefaultEnv,
		Issuer:               DefaultIssuer,
		AccessTTL:            DefaultAccessTTL,
		RefreshTTL:           DefaultRefreshTTL,
		LockoutThreshold:     DefaultLockoutThreshold,
		LockoutWindow:        DefaultLockoutWindow,
		AuditBufferSize:      DefaultAuditBufferSize,
		AuditMaxRetries:      DefaultAuditMaxRetries,
		AuditRetryBackoff:    DefaultAuditRetryBackoff,
		CacheLocalSize:       DefaultCacheLocalSize,
		CacheLocalTTL:        DefaultCacheLocalTTL,
		CacheRemoteTTL:       DefaultCacheRemoteTTL,
		StoreTimeout:         DefaultStoreTimeout,
		SessionSweepInterval: DefaultSessionSweepInterval,
		SessionGracePeriod:   DefaultSessionGracePeriod,
		RateLimitPerSecond:   DefaultRateLimitPerSecond,
		RateLimitBurst:       DefaultRateLimitBurst,
		LoginRatePerMinute:   DefaultLoginRatePerMinute,
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Environment overrides.
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, ErrInvalidPort
		}
		cfg.Port = port
	}
	overrideString(&cfg.Env, "AUTHGRID_ENV")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.TokenSecret, "AUTHGRID_TOKEN_SECRET")
	overrideString(&cfg.Issuer, "AUTHGRID_ISSUER")
	overrideDuration(&cfg.AccessTTL, "AUTHGRID_ACCESS_TTL")
	overrideDuration(&cfg.RefreshTTL, "AUTHGRID_REFRESH_TTL")
	overrideInt(&cfg.LockoutThreshold, "AUTHGRID_LOCKOUT_THRESHOLD")
	overrideDuration(&cfg.LockoutWindow, "AUTHGRID_LOCKOUT_WINDOW")
	overrideInt(&cfg.AuditBufferSize, "AUTHGRID_AUDIT_BUFFER")
	overrideInt(&cfg.CacheLocalSize, "AUTHGRID_CACHE_LOCAL_SIZE")
	overrideDuration(&cfg.StoreTimeout, "AUTHGRID_STORE_TIMEOUT")

	return cfg, nil
}

// Validate reports every missing required value, not just the first.
func (c *Config) Validate() []error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.TokenSecret == "" {
		errs = append(errs, ErrMissingTokenSecret)
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	return errs
}

// IsProduction reports whether the service runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
