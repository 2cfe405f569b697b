package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Nil is returned by reads of a missing key.
const Nil = redis.Nil

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

// Connect builds a client for addr and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*RedisService, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedis(rdb), nil
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}

func (r *RedisService) Del(ctx context.Context, keys ...string) (int64, error) {
	return r.rdb.Del(ctx, keys...).Result()
}

func (r *RedisService) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

func (r *RedisService) HGet(ctx context.Context, key, field string) (string, error) {
	return r.rdb.HGet(ctx, key, field).Result()
}

// Scan returns every key matching pattern, iterating the cursor to the end.
func (r *RedisService) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Watch runs fn in an optimistic transaction guarded by keys.
func (r *RedisService) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return r.rdb.Watch(ctx, fn, keys...)
}
