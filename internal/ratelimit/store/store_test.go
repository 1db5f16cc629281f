package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/config"
)

type testClock struct {
	nanos atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *testClock) Now() time.Time { return time.Unix(0, c.nanos.Load()) }

func (c *testClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// ============================================================================
// MemoryStore
// ============================================================================

func TestMemoryStore_IncrementWithExpiry(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	s := NewMemoryStore(time.Hour, WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	n, err := s.IncrementWithExpiry(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementWithExpiry(ctx, "k", 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	clock.Advance(2 * time.Second)

	_, err = s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	n, err = s.IncrementWithExpiry(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = s.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrementWithExpiry(context.Background(), "k", 1, time.Minute)
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)
}

func TestMemoryStore_DeleteAndSweep(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	s := NewMemoryStore(time.Hour, WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, _ = s.IncrementWithExpiry(ctx, "a", 1, time.Second)
	_, _ = s.IncrementWithExpiry(ctx, "b", 1, time.Minute)
	require.NoError(t, s.Delete(ctx, "b"))
	assert.Equal(t, 1, s.Size())

	clock.Advance(2 * time.Second)
	s.removeExpired()
	assert.Zero(t, s.Size())
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.IncrementWithExpiry(ctx, "k", 1, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(0)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

// ============================================================================
// RedisStore
// ============================================================================

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredis(t)
	s := NewRedisStore(client, "svcgate:ratelimit:")
	ctx := context.Background()

	n, err := s.IncrementWithExpiry(ctx, "1.2.3.4:fw:1000", 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementWithExpiry(ctx, "1.2.3.4:fw:1000", 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.True(t, mr.Exists("svcgate:ratelimit:1.2.3.4:fw:1000"))
	assert.Equal(t, 2*time.Second, mr.TTL("svcgate:ratelimit:1.2.3.4:fw:1000"))

	got, err := s.Get(ctx, "1.2.3.4:fw:1000")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	mr.FastForward(3 * time.Second)
	_, err = s.Get(ctx, "1.2.3.4:fw:1000")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestRedisStore_Delete(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredis(t)
	s := NewRedisStore(client, "p:")
	ctx := context.Background()

	_, err := s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))
	assert.False(t, mr.Exists("p:k"))
	assert.NoError(t, s.Close())
}

func TestRedisStore_ServerDown(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredis(t)
	s := NewRedisStore(client, "p:")
	mr.Close()

	_, err := s.IncrementWithExpiry(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), config.RedisConfig{Address: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestConnect_GivesUpOnCanceledContext(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, config.RedisConfig{
		Address:     addr,
		DialTimeout: config.Duration(50 * time.Millisecond),
	}, nil)
	assert.Error(t, err)
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	t.Parallel()

	b := newDecorrelatedJitterBackoff(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, b.next(0))
	for i := 1; i < 10; i++ {
		d := b.next(i)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
