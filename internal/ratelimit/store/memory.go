package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries bounds the compare-and-swap loop under contention.
const maxCASRetries = 100

// defaultCleanupInterval is how often expired counters are swept.
const defaultCleanupInterval = time.Minute

type entry struct {
	value      int64
	expiration time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// MemoryStore implements Store in process memory. It is used when no
// Redis address is configured.
type MemoryStore struct {
	data sync.Map
	now  func() time.Time

	cleanup *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// MemoryOption is a functional option for the memory store.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory store that sweeps expired counters
// every cleanupInterval (one minute when zero).
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	s := &MemoryStore{
		now:     time.Now,
		cleanup: time.NewTicker(cleanupInterval),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.sweep()

	return s
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := s.now()
	var exp time.Time
	if expiration > 0 {
		exp = now.Add(expiration)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, loaded := s.data.LoadOrStore(key, &entry{value: delta, expiration: exp})
		if !loaded {
			return delta, nil
		}

		e := value.(*entry)
		next := &entry{value: e.value + delta, expiration: e.expiration}
		if e.expired(now) {
			next = &entry{value: delta, expiration: exp}
		}

		if s.data.CompareAndSwap(key, e, next) {
			return next.value, nil
		}
	}

	return 0, fmt.Errorf("increment %s: max retries (%d) exceeded", key, maxCASRetries)
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	e := value.(*entry)
	if e.expired(s.now()) {
		s.data.CompareAndDelete(key, e)
		return 0, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	return e.value, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data.Delete(key)
	return nil
}

// Close stops the sweeper. It is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	close(s.done)
	return nil
}

// Size returns the number of stored counters, expired or not.
func (s *MemoryStore) Size() int {
	n := 0
	s.data.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *MemoryStore) sweep() {
	for {
		select {
		case <-s.cleanup.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	now := s.now()
	s.data.Range(func(key, value any) bool {
		if e := value.(*entry); e.expired(now) {
			s.data.CompareAndDelete(key, e)
		}
		return true
	})
}
