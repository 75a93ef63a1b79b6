package config

import (
	"time"

	"github.com/raaihank/pii-guard/internal/audit"
	"github.com/raaihank/pii-guard/internal/fpe"
	"github.com/raaihank/pii-guard/internal/policy"
	"github.com/raaihank/pii-guard/internal/session"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Guard     GuardConfig     `yaml:"guard" mapstructure:"guard"`
	Privacy   PrivacyConfig   `yaml:"privacy" mapstructure:"privacy"`
	Extractor ExtractorConfig `yaml:"extractor" mapstructure:"extractor"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// TrustProxyHeaders keys anonymous requests by X-Forwarded-For. Enable
	// only behind a proxy that overwrites the header.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

// RateLimitConfig limits requests per tenant
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// GuardConfig contains the default policy and where the secret comes from.
// The secret itself never appears in configuration files.
type GuardConfig struct {
	Mode       string                        `yaml:"mode" mapstructure:"mode"`
	Threshold  string                        `yaml:"threshold" mapstructure:"threshold"`
	Strategies map[string]string             `yaml:"strategies" mapstructure:"strategies"`
	Preserve   map[string]fpe.PreserveConfig `yaml:"preserve" mapstructure:"preserve"`
	SecretEnv  string                        `yaml:"secret_env" mapstructure:"secret_env"`

	// LockOverrides rejects per-request overrides that weaken the default.
	LockOverrides bool `yaml:"lock_overrides" mapstructure:"lock_overrides"`
}

// PrivacyConfig selects the detection rules
type PrivacyConfig struct {
	Detectors []string `yaml:"detectors" mapstructure:"detectors"`
}

// ExtractorConfig configures the optional AI entity extractor
type ExtractorConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	URL           string        `yaml:"url" mapstructure:"url"`
	Model         string        `yaml:"model" mapstructure:"model"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSecond float64       `yaml:"rate" mapstructure:"rate"`
	Burst         int           `yaml:"burst" mapstructure:"burst"`
}

// SessionConfig selects the mapping store
type SessionConfig struct {
	Backend       string              `yaml:"backend" mapstructure:"backend"` // memory or redis
	IdleTTL       time.Duration       `yaml:"idle_ttl" mapstructure:"idle_ttl"`
	SweepInterval time.Duration       `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Redis         session.RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// AuditConfig contains audit recording and persistence configuration
type AuditConfig struct {
	Enabled    bool                 `yaml:"enabled" mapstructure:"enabled"`
	ZeroCounts bool                 `yaml:"zero_counts" mapstructure:"zero_counts"`
	Broadcast  bool                 `yaml:"broadcast" mapstructure:"broadcast"`
	Postgres   audit.PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains the live audit feed configuration
type WebSocketConfig struct {
	Enabled              bool     `yaml:"enabled" mapstructure:"enabled"`
	Path                 string   `yaml:"path" mapstructure:"path"`
	MaxConnections       int      `yaml:"max_connections" mapstructure:"max_connections"`
	AllowedOrigins       []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Username             string   `yaml:"username" mapstructure:"username"`
	Password             string   `yaml:"password" mapstructure:"password"`
	BroadcastConnections bool     `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
}

// PolicyConfig assembles the textual policy from the guard and audit sections
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		Mode:       c.Guard.Mode,
		Threshold:  c.Guard.Threshold,
		Strategies: c.Guard.Strategies,
		Preserve:   c.Guard.Preserve,
		Audit: policy.AuditConfig{
			Enabled:    c.Audit.Enabled,
			ZeroCounts: c.Audit.ZeroCounts,
		},
		LockOverrides: c.Guard.LockOverrides,
	}
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Guard: GuardConfig{
			Mode:      string(policy.ModeMask),
			Threshold: "medium",
			SecretEnv: "PIIGUARD_SECRET",
		},
		Privacy: PrivacyConfig{
			Detectors: []string{"all"},
		},
		Extractor: ExtractorConfig{
			Enabled:       false,
			URL:           "http://localhost:11434/api/generate",
			Timeout:       15 * time.Second,
			RatePerSecond: 10,
			Burst:         5,
		},
		Session: SessionConfig{
			Backend:       "memory",
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
			Redis: session.RedisConfig{
				URL:          "redis://localhost:6379/0",
				PoolSize:     10,
				MinIdleConns: 2,
				KeyPrefix:    "piiguard",
			},
		},
		Audit: AuditConfig{
			Enabled:    true,
			ZeroCounts: false,
			Broadcast:  true,
			Postgres: audit.PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: time.Hour,
				ConnMaxIdleTime: 10 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:              true,
			Path:                 "/ws",
			MaxConnections:       100,
			AllowedOrigins:       []string{"*"},
			BroadcastConnections: true,
		},
	}
	cfg.Logging.File.Path = "logs/pii-guard.log"
	return cfg
}
