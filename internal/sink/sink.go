// Package sink ships one structured entry per proxied request to a Redis
// list. Writes are asynchronous and best-effort: entries are dropped when
// the buffer is full or the store is failing, and request handling never
// waits on Redis.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Entry fates reported to metrics.
const (
	ResultWritten = "written"
	ResultDropped = "dropped"
	ResultFailed  = "failed"
)

// listName is appended to the key prefix.
const listName = "requests"

// Store breaker settings.
const (
	breakerName     = "request-log-sink"
	breakerFailures = 5
	breakerOpenFor  = 30 * time.Second
)

// Entry is one request log record.
type Entry struct {
	RequestID  string    `json:"requestId"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Service    string    `json:"service,omitempty"`
	Instance   string    `json:"instance,omitempty"`
	ClientIP   string    `json:"clientIp"`
	UserID     string    `json:"userId,omitempty"`
	CompanyID  string    `json:"companyId,omitempty"`
	Status     int       `json:"status"`
	Outcome    string    `json:"outcome"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	DurationMS float64   `json:"durationMs"`
	TraceID    string    `json:"traceId,omitempty"`
}

// Sink accepts request log entries.
type Sink interface {
	// Record enqueues e. It never blocks.
	Record(e *Entry)

	// Close flushes buffered entries until ctx is done.
	Close(ctx context.Context) error
}

// NoopSink discards entries.
type NoopSink struct{}

// Record implements Sink.
func (NoopSink) Record(*Entry) {}

// Close implements Sink.
func (NoopSink) Close(context.Context) error { return nil }

// RedisSink pushes entries to a capped Redis list from a single writer
// goroutine.
type RedisSink struct {
	client      redis.UniversalClient
	key         string
	maxEntries  int64
	pushTimeout time.Duration
	cb          *gobreaker.CircuitBreaker
	logger      observability.Logger
	metrics     *observability.Metrics

	mu      sync.RWMutex
	closed  bool
	entries chan *Entry
	done    chan struct{}
}

// Option is a functional option for the sink.
type Option func(*RedisSink)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *RedisSink) {
		s.logger = logger
	}
}

// WithMetrics records entry fates and breaker transitions.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *RedisSink) {
		s.metrics = metrics
	}
}

// NewRedisSink creates a sink on client and starts its writer. The client
// is owned by the caller.
func NewRedisSink(client redis.UniversalClient, cfg config.SinkConfig, opts ...Option) *RedisSink {
	s := newRedisSink(client, cfg, opts...)
	s.start()
	return s
}

func newRedisSink(client redis.UniversalClient, cfg config.SinkConfig, opts ...Option) *RedisSink {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = config.DefaultSinkPrefix
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultSinkMaxEntries
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = config.DefaultSinkBufferSize
	}
	pushTimeout := cfg.PushTimeout.Duration()
	if pushTimeout <= 0 {
		pushTimeout = config.DefaultSinkPushTimeout
	}

	s := &RedisSink{
		client:      client,
		key:         prefix + listName,
		maxEntries:  maxEntries,
		pushTimeout: pushTimeout,
		logger:      observability.NopLogger(),
		entries:     make(chan *Entry, bufferSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    breakerName,
		Timeout: breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("request log sink breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			s.metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	})
	return s
}

// Key returns the Redis list key.
func (s *RedisSink) Key() string {
	return s.key
}

func (s *RedisSink) start() {
	go s.run()
}

// Record implements Sink.
func (s *RedisSink) Record(e *Entry) {
	if e == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.metrics.RecordSinkEntry(ResultDropped)
		return
	}

	select {
	case s.entries <- e:
	default:
		s.metrics.RecordSinkEntry(ResultDropped)
	}
}

// Close implements Sink. Entries still buffered when ctx is done are lost.
func (s *RedisSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush request log: %w", ctx.Err())
	}
}

func (s *RedisSink) run() {
	defer close(s.done)

	for e := range s.entries {
		if err := s.push(e); err != nil {
			s.metrics.RecordSinkEntry(ResultFailed)
			if !errors.Is(err, gobreaker.ErrOpenState) {
				s.logger.Debug("request log push failed",
					observability.String("request_id", e.RequestID),
					observability.Error(err),
				)
			}
			continue
		}
		s.metrics.RecordSinkEntry(ResultWritten)
	}
}

func (s *RedisSink) push(e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal request log entry: %w", err)
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
		defer cancel()

		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, s.key, payload)
		pipe.LTrim(ctx, s.key, 0, s.maxEntries-1)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis push: %w", err)
		}
		return nil, nil
	})
	return err
}
