package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig contains Redis session store configuration
type RedisConfig struct {
	URL          string        `yaml:"url" mapstructure:"url"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	IdleTTL      time.Duration `yaml:"idle_ttl" mapstructure:"idle_ttl"`
}

// RedisStore shares session mappings between guard replicas. Each session is
// two hashes, forward and reverse, that expire together after IdleTTL
// without writes. Mappings never outlive that TTL or an explicit Flush.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns

	store := NewRedisStoreFromClient(redis.NewClient(opts), cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.client.Ping(ctx).Err(); err != nil {
		store.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis session store initialized",
		zap.String("redis_url", maskRedisURL(cfg.URL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.Duration("idle_ttl", store.ttl))

	return store, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "piiguard"
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *RedisStore) forwardKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:fwd", r.prefix, sessionID)
}

func (r *RedisStore) reverseKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:rev", r.prefix, sessionID)
}

// Insert writes both directions in one MULTI/EXEC and refreshes the TTL
func (r *RedisStore) Insert(ctx context.Context, sessionID, pseudonym, original string) error {
	fwd, rev := r.forwardKey(sessionID), r.reverseKey(sessionID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fwd, pseudonym, original)
		pipe.HSet(ctx, rev, original, pseudonym)
		pipe.Expire(ctx, fwd, r.ttl)
		pipe.Expire(ctx, rev, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session mapping: %w", err)
	}
	return nil
}

func (r *RedisStore) GetOriginal(ctx context.Context, sessionID, pseudonym string) (string, bool, error) {
	return r.lookup(ctx, sessionID, r.forwardKey(sessionID), pseudonym)
}

func (r *RedisStore) GetPseudonym(ctx context.Context, sessionID, original string) (string, bool, error) {
	return r.lookup(ctx, sessionID, r.reverseKey(sessionID), original)
}

// lookup reads one field and restarts the idle lifetime of the session, as
// any access to a MemoryStore session does.
func (r *RedisStore) lookup(ctx context.Context, sessionID, key, field string) (string, bool, error) {
	var get *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, key, field)
		pipe.Expire(ctx, r.forwardKey(sessionID), r.ttl)
		pipe.Expire(ctx, r.reverseKey(sessionID), r.ttl)
		return nil
	})
	if get != nil && get.Err() == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session lookup failed: %w", err)
	}
	return get.Val(), true, nil
}

func (r *RedisStore) Len(ctx context.Context, sessionID string) (int, error) {
	n, err := r.client.HLen(ctx, r.forwardKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("session size lookup failed: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) Flush(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.forwardKey(sessionID), r.reverseKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to flush session: %w", err)
	}
	r.logger.Debug("Session flushed", zap.String("session_id", sessionID))
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	if colon < 0 || colon < strings.Index(userPart, "://")+3 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
