// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package config loads AccessWard settings from defaults, a YAML file, the
// environment and command-line flags, in that order of precedence.
package config

import (
	"net/url"
	"time"

	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
	"github.com/accessward/accessward/internal/logging"
	"github.com/accessward/accessward/internal/token"
)

// Driver names.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	NotifyLog  = "log"
	NotifySMTP = "smtp"

	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
	RateLimitNone   = "none"
)

// Redacted replaces secrets in printed configuration.
const Redacted = "[REDACTED]"

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `koanf:"http" yaml:"http"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
	Store     StoreConfig     `koanf:"store" yaml:"store"`
	Token     TokenConfig     `koanf:"token" yaml:"token"`
	Auth      AuthConfig      `koanf:"auth" yaml:"auth"`
	Notify    NotifyConfig    `koanf:"notify" yaml:"notify"`
	RateLimit RateLimitConfig `koanf:"ratelimit" yaml:"ratelimit"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig configures the metrics and health listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Format string `koanf:"format" yaml:"format"`
	Level  string `koanf:"level" yaml:"level"`
}

// StoreConfig selects the credential store.
type StoreConfig struct {
	Driver      string `koanf:"driver" yaml:"driver"`
	DatabaseURL string `koanf:"database_url" yaml:"database_url"`
	AutoMigrate bool   `koanf:"auto_migrate" yaml:"auto_migrate"`
	MaxConns    int32  `koanf:"max_conns" yaml:"max_conns"`
}

// TokenConfig configures session tokens.
type TokenConfig struct {
	Secret string        `koanf:"secret" yaml:"secret"`
	TTL    time.Duration `koanf:"ttl" yaml:"ttl"`
	Issuer string        `koanf:"issuer" yaml:"issuer"`
}

// AuthConfig tunes lockout and one-time codes.
type AuthConfig struct {
	LockoutThreshold      int           `koanf:"lockout_threshold" yaml:"lockout_threshold"`
	LockoutDuration       time.Duration `koanf:"lockout_duration" yaml:"lockout_duration"`
	OTPTTL                time.Duration `koanf:"otp_ttl" yaml:"otp_ttl"`
	ResendRespectsLockout bool          `koanf:"resend_respects_lockout" yaml:"resend_respects_lockout"`
}

// Policy returns the lockout policy described by c.
func (c AuthConfig) Policy() auth.Policy {
	return auth.Policy{Threshold: c.LockoutThreshold, Duration: c.LockoutDuration}
}

// NotifyConfig selects and bounds the notification channel.
type NotifyConfig struct {
	Driver  string        `koanf:"driver" yaml:"driver"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
	Retries uint64        `koanf:"retries" yaml:"retries"`
	SMTP    SMTPConfig    `koanf:"smtp" yaml:"smtp"`
}

// SMTPConfig configures outgoing mail.
type SMTPConfig struct {
	Host     string `koanf:"host" yaml:"host"`
	Port     int    `koanf:"port" yaml:"port"`
	Username string `koanf:"username" yaml:"username"`
	Password string `koanf:"password" yaml:"password"`
	From     string `koanf:"from" yaml:"from"`
	SiteName string `koanf:"site_name" yaml:"site_name"`
}

// RateLimitConfig configures the OTP send throttle.
type RateLimitConfig struct {
	Driver    string        `koanf:"driver" yaml:"driver"`
	RedisAddr string        `koanf:"redis_addr" yaml:"redis_addr"`
	Burst     int           `koanf:"burst" yaml:"burst"`
	Window    time.Duration `koanf:"window" yaml:"window"`
}

// Default returns the configuration used when nothing overrides it.
// Token.Secret has no default and must be supplied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Log:     LogConfig{Format: "json", Level: "info"},
		Store: StoreConfig{
			Driver:      StoreMemory,
			AutoMigrate: true,
			MaxConns:    10,
		},
		Token: TokenConfig{
			TTL:    token.DefaultTTL,
			Issuer: token.DefaultIssuer,
		},
		Auth: AuthConfig{
			LockoutThreshold: auth.LockoutThreshold,
			LockoutDuration:  auth.LockoutDuration,
			OTPTTL:           auth.OTPTTL,
		},
		Notify: NotifyConfig{
			Driver:  NotifyLog,
			Timeout: 10 * time.Second,
			Retries: 2,
			SMTP:    SMTPConfig{Port: 587, SiteName: "AccessWard"},
		},
		RateLimit: RateLimitConfig{
			Driver: RateLimitNone,
			Burst:  3,
			Window: 10 * time.Minute,
		},
	}
}

func invalid(field string, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("field", field).Errorf(format, args...)
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return invalid("http.addr", "http.addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return invalid("http.shutdown_timeout", "http.shutdown_timeout must be positive")
	}
	// Nested errors are flattened so CONFIG_INVALID stays the outermost code.
	if err := logging.ValidateFormat(c.Log.Format); err != nil {
		return invalid("log.format", "%s", err.Error())
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%s", err.Error())
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return invalid("store.database_url", "store.database_url is required for the postgres driver")
		}
	default:
		return invalid("store.driver", "store.driver must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store.Driver)
	}

	if len(c.Token.Secret) < token.MinSecretLength {
		return invalid("token.secret", "token.secret must be at least %d bytes", token.MinSecretLength)
	}
	if c.Token.TTL <= 0 {
		return invalid("token.ttl", "token.ttl must be positive")
	}

	if err := c.Auth.Policy().Validate(); err != nil {
		return invalid("auth", "%s", err.Error())
	}
	if c.Auth.OTPTTL <= 0 {
		return invalid("auth.otp_ttl", "auth.otp_ttl must be positive")
	}

	switch c.Notify.Driver {
	case NotifyLog:
	case NotifySMTP:
		if c.Notify.SMTP.Host == "" {
			return invalid("notify.smtp.host", "notify.smtp.host is required for the smtp driver")
		}
		if c.Notify.SMTP.Port <= 0 || c.Notify.SMTP.Port > 65535 {
			return invalid("notify.smtp.port", "notify.smtp.port %d out of range", c.Notify.SMTP.Port)
		}
		if c.Notify.SMTP.From == "" && c.Notify.SMTP.Username == "" {
			return invalid("notify.smtp.from", "notify.smtp.from or notify.smtp.username is required")
		}
	default:
		return invalid("notify.driver", "notify.driver must be %q or %q, got %q", NotifyLog, NotifySMTP, c.Notify.Driver)
	}
	if c.Notify.Timeout <= 0 {
		return invalid("notify.timeout", "notify.timeout must be positive")
	}

	switch c.RateLimit.Driver {
	case RateLimitNone:
		return nil
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RateLimit.RedisAddr == "" {
			return invalid("ratelimit.redis_addr", "ratelimit.redis_addr is required for the redis driver")
		}
	default:
		return invalid("ratelimit.driver", "ratelimit.driver must be %q, %q or %q, got %q",
			RateLimitMemory, RateLimitRedis, RateLimitNone, c.RateLimit.Driver)
	}
	if c.RateLimit.Burst < 1 {
		return invalid("ratelimit.burst", "ratelimit.burst must be at least 1")
	}
	if c.RateLimit.Window <= 0 {
		return invalid("ratelimit.window", "ratelimit.window must be positive")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	if out.Token.Secret != "" {
		out.Token.Secret = Redacted
	}
	if out.Notify.SMTP.Password != "" {
		out.Notify.SMTP.Password = Redacted
	}
	if out.Store.DatabaseURL != "" {
		out.Store.DatabaseURL = redactURL(out.Store.DatabaseURL)
	}
	return out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redacted
	}
	return u.Redacted()
}
