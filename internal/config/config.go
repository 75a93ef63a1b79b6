package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/policy"
	"github.com/spf13/viper"
)

const envPrefix = "PIIGUARD"

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pii-guard/")
	v.AddConfigPath("$HOME/.pii-guard/")

	// Environment variable overrides, e.g. PIIGUARD_GUARD_MODE
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

// setDefaults registers scalar defaults so environment variables can
// override keys that the config file does not mention.
func setDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]interface{}{
		"server.port":                           c.Server.Port,
		"server.read_timeout":                   c.Server.ReadTimeout,
		"server.write_timeout":                  c.Server.WriteTimeout,
		"server.idle_timeout":                   c.Server.IdleTimeout,
		"server.shutdown_timeout":               c.Server.ShutdownTimeout,
		"server.max_body_bytes":                 c.Server.MaxBodyBytes,
		"server.rate_limit.enabled":             c.Server.RateLimit.Enabled,
		"server.rate_limit.requests_per_second": c.Server.RateLimit.RequestsPerSecond,
		"server.rate_limit.burst":               c.Server.RateLimit.Burst,
		"server.trust_proxy_headers":            c.Server.TrustProxyHeaders,
		"guard.mode":                            c.Guard.Mode,
		"guard.threshold":                       c.Guard.Threshold,
		"guard.secret_env":                      c.Guard.SecretEnv,
		"guard.lock_overrides":                  c.Guard.LockOverrides,
		"privacy.detectors":                     c.Privacy.Detectors,
		"extractor.enabled":                     c.Extractor.Enabled,
		"extractor.url":                         c.Extractor.URL,
		"extractor.model":                       c.Extractor.Model,
		"extractor.timeout":                     c.Extractor.Timeout,
		"extractor.rate":                        c.Extractor.RatePerSecond,
		"extractor.burst":                       c.Extractor.Burst,
		"session.backend":                       c.Session.Backend,
		"session.idle_ttl":                      c.Session.IdleTTL,
		"session.sweep_interval":                c.Session.SweepInterval,
		"session.redis.url":                     c.Session.Redis.URL,
		"session.redis.pool_size":               c.Session.Redis.PoolSize,
		"session.redis.min_idle_conns":          c.Session.Redis.MinIdleConns,
		"session.redis.key_prefix":              c.Session.Redis.KeyPrefix,
		"audit.enabled":                         c.Audit.Enabled,
		"audit.zero_counts":                     c.Audit.ZeroCounts,
		"audit.broadcast":                       c.Audit.Broadcast,
		"audit.postgres.database_url":           c.Audit.Postgres.DatabaseURL,
		"audit.postgres.max_open_conns":         c.Audit.Postgres.MaxOpenConns,
		"audit.postgres.max_idle_conns":         c.Audit.Postgres.MaxIdleConns,
		"audit.postgres.conn_max_lifetime":      c.Audit.Postgres.ConnMaxLifetime,
		"audit.postgres.conn_max_idle_time":     c.Audit.Postgres.ConnMaxIdleTime,
		"logging.level":                         c.Logging.Level,
		"logging.format":                        c.Logging.Format,
		"logging.file.enabled":                  c.Logging.File.Enabled,
		"logging.file.path":                     c.Logging.File.Path,
		"websocket.enabled":                     c.WebSocket.Enabled,
		"websocket.path":                        c.WebSocket.Path,
		"websocket.max_connections":             c.WebSocket.MaxConnections,
		"websocket.allowed_origins":             c.WebSocket.AllowedOrigins,
		"websocket.username":                    c.WebSocket.Username,
		"websocket.password":                    c.WebSocket.Password,
		"websocket.broadcast_connections":       c.WebSocket.BroadcastConnections,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if _, err := policy.ParseMode(config.Guard.Mode); err != nil {
		return err
	}

	if _, err := entity.ParseConfidence(config.Guard.Threshold); err != nil {
		return err
	}

	if config.Guard.SecretEnv == "" {
		return fmt.Errorf("guard.secret_env must name an environment variable")
	}

	if len(config.Privacy.Detectors) == 0 {
		return fmt.Errorf("privacy.detectors must list at least one rule or \"all\"")
	}

	if config.Extractor.Enabled && config.Extractor.URL == "" {
		return fmt.Errorf("extractor.url is required when the extractor is enabled")
	}

	if config.Session.Backend != "memory" && config.Session.Backend != "redis" {
		return fmt.Errorf("invalid session backend: %s (must be memory or redis)", config.Session.Backend)
	}

	if config.Session.IdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl must be positive")
	}

	if config.Session.Backend == "memory" && config.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the loaded configuration file. callback receives
// every reloaded configuration that validates; onError receives the others.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := current
	mu.Unlock()
	if v == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal config: %w", err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
