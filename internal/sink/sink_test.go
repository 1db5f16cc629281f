package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// sinkEntries returns the request_log_entries_total value for result.
func sinkEntries(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "test_request_log_entries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue(m, "result") == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func entry(id string, status int) *Entry {
	return &Entry{
		RequestID:  id,
		Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Method:     "GET",
		Path:       "/gateway/flights/search",
		Service:    "flights",
		Instance:   "flights-1",
		ClientIP:   "10.0.0.1",
		Status:     status,
		Outcome:    "success",
		DurationMS: 12.5,
	}
}

func TestRedisSink_PushesNewestFirstAndTrims(t *testing.T) {
	t.Parallel()

	mr, client := newClient(t)
	metrics := observability.NewMetrics("test")
	s := NewRedisSink(client, config.SinkConfig{KeyPrefix: "log:", MaxEntries: 3}, WithMetrics(metrics))

	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		s.Record(entry(id, 200))
	}
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, "log:requests", s.Key())
	items, err := mr.List("log:requests")
	require.NoError(t, err)
	require.Len(t, items, 3)

	var newest Entry
	require.NoError(t, json.Unmarshal([]byte(items[0]), &newest))
	assert.Equal(t, "r5", newest.RequestID)
	assert.Equal(t, "flights", newest.Service)
	assert.Equal(t, 200, newest.Status)

	assert.Equal(t, float64(5), sinkEntries(t, metrics.Registry(), ResultWritten))
}

func TestRedisSink_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	mr, client := newClient(t)
	metrics := observability.NewMetrics("test")
	s := newRedisSink(client, config.SinkConfig{BufferSize: 1}, WithMetrics(metrics))

	s.Record(entry("r1", 200))
	s.Record(entry("r2", 200))
	s.Record(entry("r3", 200))

	s.start()
	require.NoError(t, s.Close(context.Background()))

	items, err := mr.List(config.DefaultSinkPrefix + listName)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, float64(2), sinkEntries(t, metrics.Registry(), ResultDropped))
	assert.Equal(t, float64(1), sinkEntries(t, metrics.Registry(), ResultWritten))
}

func TestRedisSink_StoreDown(t *testing.T) {
	t.Parallel()

	mr, client := newClient(t)
	mr.Close()

	metrics := observability.NewMetrics("test")
	s := NewRedisSink(client, config.SinkConfig{PushTimeout: config.Duration(50 * time.Millisecond)},
		WithMetrics(metrics))

	for i := 0; i < breakerFailures+2; i++ {
		s.Record(entry("r", 502))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, float64(breakerFailures+2), sinkEntries(t, metrics.Registry(), ResultFailed))
	assert.Equal(t, "open", s.cb.State().String())
}

func TestRedisSink_RecordAfterClose(t *testing.T) {
	t.Parallel()

	_, client := newClient(t)
	metrics := observability.NewMetrics("test")
	s := NewRedisSink(client, config.SinkConfig{}, WithMetrics(metrics))

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	s.Record(entry("late", 200))
	s.Record(nil)
	assert.Equal(t, float64(1), sinkEntries(t, metrics.Registry(), ResultDropped))
}

func TestNoopSink(t *testing.T) {
	t.Parallel()

	var s Sink = NoopSink{}
	s.Record(entry("r1", 200))
	assert.NoError(t, s.Close(context.Background()))
}
