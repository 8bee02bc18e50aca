package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrNotInteger is returned when a counter key holds a non-integer value.
var ErrNotInteger = errors.New("counter value is not an integer")

// Redis keeps counters in a Redis server, so they are shared by every
// process pointed at it. Keys are stored as decimal strings and can be read
// by other systems directly.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis wraps client. A positive ttl is applied on every Set and to keys
// created by IncrBy; IncrBy leaves the expiry of an existing key untouched.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) (int64, bool, error) {
	s, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return parseCounter(key, s)
}

func (r *Redis) Set(ctx context.Context, key string, value int64) error {
	return r.client.Set(ctx, key, value, r.ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	total, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	// total == delta means the key was just created.
	if r.ttl > 0 && total == delta {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return total, errors.Wrapf(err, "expire %s", key)
		}
	}
	return total, nil
}

func (r *Redis) GetDel(ctx context.Context, key string) (int64, bool, error) {
	s, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return parseCounter(key, s)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseCounter(key, s string) (int64, bool, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, errors.Wrapf(ErrNotInteger, "%s=%q", key, s)
	}
	return v, true, nil
}
