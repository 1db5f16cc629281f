package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Connection retry settings.
const (
	defaultConnectRetries = 5
	initialBackoff        = 100 * time.Millisecond
	maxBackoff            = 5 * time.Second
)

// incrementWithExpiryScript increments a counter and sets its expiry when
// the counter is new.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = expiration in milliseconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// Connect creates a Redis client and waits until it answers PING, retrying
// with decorrelated jitter backoff.
func Connect(ctx context.Context, cfg config.RedisConfig, logger observability.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	dialTimeout := cfg.DialTimeout.Duration()
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: dialTimeout,
	})

	backoff := newDecorrelatedJitterBackoff(initialBackoff, maxBackoff)

	var lastErr error
	for attempt := 0; attempt <= defaultConnectRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					observability.String("address", cfg.Address),
					observability.Int("attempt", attempt+1),
				)
			}
			return client, nil
		}

		if attempt == defaultConnectRetries {
			break
		}

		wait := backoff.next(attempt)
		logger.Debug("redis connection failed, retrying",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("connect to redis at %s after %d attempts: %w",
		cfg.Address, defaultConnectRetries+1, lastErr)
}

// decorrelatedJitterBackoff computes min(cap, random_between(base, prev*3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	return &decorrelatedJitterBackoff{initial: initial, max: maxDuration, current: initial}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3
	backoff := lo + rand.Float64()*(hi-lo) //nolint:gosec // jitter only

	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}
	b.current = time.Duration(backoff)
	return b.current
}

// RedisStore implements Store on a shared Redis client. Keys are prefixed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. The client is owned by the
// caller; Close does not close it.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// IncrementWithExpiry implements Store with a Lua script so the increment
// and the expiry are atomic.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis incr: %w", err)
	}

	ms := expiration.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.prefixKey(key)}, delta, ms).Result()
	if err != nil {
		return 0, fmt.Errorf("redis script error: %w", err)
	}

	val, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("redis script returned unexpected type: %T", result)
	}
	return val, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("redis get error: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// Close implements Store. The shared client stays open.
func (s *RedisStore) Close() error {
	return nil
}
