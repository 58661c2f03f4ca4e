package proofcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache shares proofs between auditd replicas. Values are the JSON
// encoding of forest.Proof.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects to a single Redis server.
func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCacheFromClient(client, ttl, logger), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) (*forest.Proof, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("proof cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	var p forest.Proof
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("proof cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &p, true
}

func (c *RedisCache) Set(ctx context.Context, key string, p *forest.Proof) {
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.Warn("proof cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("proof cache set failed", zap.String("key", key), zap.Error(err))
	}
}
