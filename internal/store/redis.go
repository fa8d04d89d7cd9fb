package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a single Redis database.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects to addr (host:port) and verifies the connection.
func NewRedis(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", wrapRedisErr(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return wrapRedisErr(s.client.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: setex %q: ttl must be positive, got %s", key, ttl)
	}
	return wrapRedisErr(s.client.SetEx(ctx, key, value, ttl).Err())
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	return val, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapRedisErr(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	return n, nil
}

func (s *RedisStore) TTLSeconds(ctx context.Context, key string) (int64, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	// go-redis keeps the -1/-2 sentinels as raw values.
	switch d {
	case -1:
		return TTLNone, nil
	case -2:
		return TTLMissing, nil
	}
	return int64(d / time.Second), nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		seen   = make(map[string]struct{})
		keys   []string
	)
	for {
		page, next, err := s.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return nil, wrapRedisErr(err)
		}
		for _, k := range page {
			// SCAN may return duplicates across pages; keep each key once.
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", wrapRedisErr(err)
	}
	return val, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return wrapRedisErr(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return val, nil
}

func (s *RedisStore) ExpireMany(ctx context.Context, ttl time.Duration, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, k := range keys {
		pipe.Expire(ctx, k, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapRedisErr(err)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrMissing
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
