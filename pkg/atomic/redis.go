package atomic

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"relayd/pkg/logger"
)

// releaseScript deletes the lock key only when its value still equals the
// caller's token. The compare and the delete must run as one server-side
// script; two round-trips would race against expiry-then-reacquire.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RedisStore implements Store on a Redis backend. All keys are scoped by
// the configured prefix.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection before
// returning. Backend connectivity failures propagate to the caller.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	logger.Info("redis_connected", "addr", addr, "prefix", prefix)
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an existing client, for callers that share
// one connection pool across stores.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Client exposes the underlying connection for sibling stores.
func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, s.key(key)).Result()
}

func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := newToken()
	ok, err := s.rdb.SetNX(ctx, s.key(key), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) error {
	return s.rdb.Eval(ctx, releaseScript, []string{s.key(key)}, token).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, s.key(key), value, 0).Err()
}

func (s *RedisStore) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error { return s.rdb.Close() }
