package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
)

// maxProbeBodyBytes bounds how much of a probe response is drained so the
// connection can be reused.
const maxProbeBodyBytes = 4 << 10

// Monitor periodically probes every instance of every registered service
// and records the verdicts in the registry.
type Monitor struct {
	registry *registry.Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for the monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetrics records probe results.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithHTTPClient replaces the probe client. Its own timeout is left
// untouched; every probe is still bounded by the monitor timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithClock replaces time.Now for verdict timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor for reg.
func NewMonitor(reg *registry.Registry, cfg config.HealthConfig, opts ...Option) *Monitor {
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = config.DefaultHealthInterval
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultHealthTimeout
	}

	m := &Monitor{
		registry: reg,
		client:   &http.Client{},
		interval: interval,
		timeout:  timeout,
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interval returns the probe interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Start launches the probe loop. The first round runs immediately.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})

	go m.run(ctx, m.stopCh, m.stoppedCh)

	m.logger.Info("health monitor started",
		observability.Duration("interval", m.interval),
		observability.Duration("timeout", m.timeout),
	)
}

// Stop stops the probe loop and waits for the current round to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	close(stopCh)
	<-stoppedCh

	m.logger.Info("health monitor stopped")
}

// IsRunning reports whether the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs one probe round over every instance and returns when all
// probes have completed.
func (m *Monitor) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup

	for _, svc := range m.registry.List() {
		for _, inst := range svc.Instances {
			wg.Add(1)
			go func(service, healthPath string, inst registry.Instance) {
				defer wg.Done()
				m.checkInstance(ctx, service, healthPath, inst)
			}(svc.Name, svc.HealthPath, inst)
		}
	}

	wg.Wait()
}

func (m *Monitor) checkInstance(ctx context.Context, service, healthPath string, inst registry.Instance) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health probe panicked",
				observability.String("service", service),
				observability.String("instance", inst.ID),
				observability.Any("panic", r),
				observability.String("stack", string(debug.Stack())),
			)
		}
	}()

	select {
	case <-ctx.Done():
		return
	default:
	}

	start := time.Now()
	err := m.probe(ctx, inst.Address, healthPath)
	duration := time.Since(start)

	// A shutdown mid-probe is not a verdict on the instance.
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	at := m.now()

	m.metrics.RecordHealthProbe(service, healthy, duration)
	m.metrics.SetInstanceHealth(service, inst.ID, healthy)

	if !healthy {
		m.logger.Debug("health probe failed",
			observability.String("service", service),
			observability.String("instance", inst.ID),
			observability.String("address", inst.Address),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
	}

	if err := m.registry.RecordCheck(service, inst.ID, at); err != nil {
		m.logger.Warn("failed to record health check",
			observability.String("service", service),
			observability.String("instance", inst.ID),
			observability.Error(err),
		)
		return
	}
	if err := m.registry.MarkInstanceHealth(service, inst.ID, healthy, at); err != nil {
		m.logger.Warn("failed to record health verdict",
			observability.String("service", service),
			observability.String("instance", inst.ID),
			observability.Error(err),
		)
	}
}

// probe issues one bounded GET. Any error, timeout or non-2xx status is a
// failure.
func (m *Monitor) probe(ctx context.Context, address, healthPath string) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if healthPath == "" {
		healthPath = config.DefaultHealthPath
	}
	url := strings.TrimRight(address, "/") + healthPath
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "svcgate-health-monitor")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyBytes))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
