package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incr bumps the counter and sets the window on the first hit, returning the count and the
// remaining ttl in milliseconds.
var incr = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {c, redis.call('PTTL', KEYS[1])}
`)

type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr string, password string, db int) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("a redis address is required")
	}
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incr.Run(ctx, r.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("could not increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected reply incrementing %s: %v", key, res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (r *Redis) Delete(ctx context.Context, pattern string) (int, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("could not scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, keys...).Result()
	return int(n), err
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
