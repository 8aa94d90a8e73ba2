package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrScript decrements only keys that still exist and never below zero, so
// a release arriving after the window lapsed cannot leave a stray key behind.
var decrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local n = redis.call('DECR', KEYS[1])
if n < 0 then
	redis.call('SET', KEYS[1], 0, 'KEEPTTL')
	return 0
end
return n
`)

// RedisStore implements Store on top of Redis INCR and EXPIRE NX
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed counter store. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Incr implements Store. INCR and EXPIRE NX run in one MULTI/EXEC block so a
// key can never be left without an expiry.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.key(key))
		if ttl > 0 {
			pipe.ExpireNX(ctx, s.key(key), ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return incr.Val(), nil
}

// Decr implements Store
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := decrScript.Run(ctx, s.client, []string{s.key(key)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrement counter: %w", err)
	}
	return n, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("load counter: %w", err)
	}
	return n, nil
}

// TTL implements Store. Redis reports -2 for missing and -1 for
// non-expiring keys; both map to zero.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("load counter ttl: %w", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete counter: %w", err)
	}
	return nil
}

// Ping reports whether the backing Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
