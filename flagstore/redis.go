package flagstore

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"cartsync/errors"
)

// redisClient 用到的命令子集，便于测试替换
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig Redis 存储配置
type RedisConfig struct {
	Addr   string
	Prefix string
}

// RedisStore 基于 Redis 的存储，过期交给 Redis 处理
type RedisStore struct {
	client redisClient
	prefix string
}

// NewRedisStore 连接 Redis
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.NewInvalidInput("redis flag store requires an address")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapError(err, errors.ErrCodeStorage, "ping redis")
	}
	return newRedisStore(client, cfg.Prefix), nil
}

func newRedisStore(client redisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "cartsync:flag:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefix+key, "1", ttl).Err(); err != nil {
		return errors.WrapError(err, errors.ErrCodeStorage, "set flag")
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, key string) (bool, error) {
	err := s.client.GetDel(ctx, s.prefix+key).Err()
	if stdErrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapError(err, errors.ErrCodeStorage, "take flag")
	}
	return true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
