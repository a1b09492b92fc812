package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/strata-project/strata/pkg/errclass"
)

// releaseScript deletes the key only while it still holds our value.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisClient is the subset of the go-redis client the locker calls.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisOptions configures a Redis connection.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient opens a go-redis client.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// RedisLocker holds a key set with NX and a TTL. Each Lock writes a fresh
// holder id so Unlock only deletes a key this locker still owns. Goroutines
// sharing one RedisLocker take turns.
type RedisLocker struct {
	client   RedisClient
	key      string
	ttl      time.Duration
	timeout  time.Duration
	interval time.Duration

	gate   gate
	mu     sync.Mutex
	holder string
}

// NewRedisLocker returns a locker on key. ttl bounds how long a crashed
// holder can block others; timeout bounds how long Lock waits.
func NewRedisLocker(client RedisClient, key string, ttl, timeout time.Duration) *RedisLocker {
	return &RedisLocker{
		client:   client,
		key:      key,
		ttl:      ttl,
		timeout:  timeout,
		interval: 20 * time.Millisecond,
		gate:     newGate(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context) error {
	if err := l.gate.enter(ctx, "redis lock "+l.key); err != nil {
		return err
	}
	holder := uuid.NewString()
	err := retry.Do(ctx, retryPolicy(l.timeout, l.interval), func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, l.key, holder, l.ttl).Result()
		if err != nil {
			return errclass.ErrStorageIO.Wrap(err, "redis setnx %s", l.key)
		}
		if !ok {
			return retry.RetryableError(errclass.ErrLockConflict.WithMessagef("redis lock %s is held", l.key))
		}
		return nil
	})
	if err != nil {
		l.gate.leave()
		return err
	}
	l.mu.Lock()
	l.holder = holder
	l.mu.Unlock()
	return nil
}

func (l *RedisLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	holder := l.holder
	l.holder = ""
	l.mu.Unlock()
	if holder == "" {
		return errclass.ErrLockNotHeld.WithMessagef("redis lock %s not held by this locker", l.key)
	}
	defer l.gate.leave()

	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, holder).Int64()
	if err != nil {
		return errclass.ErrStorageIO.Wrap(err, "redis release %s", l.key)
	}
	if n == 0 {
		return errclass.ErrLockExpired.WithMessagef("redis lock %s expired before release", l.key)
	}
	return nil
}
