package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker holds locks as Redis keys set with NX and a TTL, so replicas
// sharing one calendar serialize their writes. A crashed holder's lock
// expires after TTL.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisLocker(rdb *redis.Client, prefix string, ttl, wait time.Duration, logger *slog.Logger) *RedisLocker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, wait: wait, logger: logger}
}

// Lock waits up to the configured wait for every key.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		full := l.prefix + ":" + k
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
			if err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("redis lock %s: %w", k, err))
			}
			if !ok {
				return struct{}{}, ErrNotAcquired
			}
			return struct{}{}, nil
		},
			backoff.WithBackOff(&backoff.ExponentialBackOff{
				InitialInterval:     10 * time.Millisecond,
				RandomizationFactor: 0.3,
				Multiplier:          2,
				MaxInterval:         200 * time.Millisecond,
			}),
			backoff.WithMaxElapsedTime(l.wait),
		)
		if err != nil {
			l.release(token, held)
			if errors.Is(err, ErrNotAcquired) || ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrNotAcquired, k)
			}
			return nil, err
		}
		held = append(held, full)
	}
	var once sync.Once
	return func() { once.Do(func() { l.release(token, held) }) }, nil
}

// TryLock makes a single attempt. ok is false when another holder has the key.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	full := l.prefix + ":" + key
	token := uuid.NewString()
	ok, err = l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.release(token, []string{full}) }) }, true, nil
}

func (l *RedisLocker) release(token string, keys []string) {
	// Release must still run when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, l.rdb, []string{keys[i]}, token).Err(); err != nil {
			l.logger.Warn("redis lock release failed", "key", keys[i], "err", err)
		}
	}
}
