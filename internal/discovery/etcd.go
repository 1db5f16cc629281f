package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// EtcdSource reads one JSON service descriptor per key under a prefix.
// Undecodable or invalid documents are skipped with a warning.
type EtcdSource struct {
	kv      clientv3.KV
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
	logger  observability.Logger
}

// EtcdOption is a functional option for the etcd source.
type EtcdOption func(*EtcdSource)

// WithEtcdLogger sets the logger.
func WithEtcdLogger(logger observability.Logger) EtcdOption {
	return func(s *EtcdSource) {
		s.logger = logger
	}
}

// NewEtcdSource connects to the configured etcd cluster.
func NewEtcdSource(cfg config.EtcdConfig, opts ...EtcdOption) (*EtcdSource, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}

	dialTimeout := cfg.DialTimeout.Duration()
	if dialTimeout <= 0 {
		dialTimeout = config.DefaultEtcdDialTimeout
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}

	s := newEtcdSource(client.KV, cfg.Prefix, dialTimeout, opts...)
	s.client = client
	return s, nil
}

func newEtcdSource(kv clientv3.KV, prefix string, timeout time.Duration, opts ...EtcdOption) *EtcdSource {
	if prefix == "" {
		prefix = config.DefaultEtcdPrefix
	}
	s := &EtcdSource{
		kv:      kv,
		prefix:  prefix,
		timeout: timeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Source.
func (s *EtcdSource) Name() string {
	return "etcd"
}

// Load implements Source. Keys are returned in key order.
func (s *EtcdSource) Load(ctx context.Context) ([]config.ServiceConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.kv.Get(ctx, s.prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("etcd: get %s: %w", s.prefix, err)
	}

	services := make([]config.ServiceConfig, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := string(kv.Key)

		var svc config.ServiceConfig
		if err := json.Unmarshal(kv.Value, &svc); err != nil {
			s.logger.Warn("skipping undecodable service descriptor",
				observability.String("key", key),
				observability.Error(err),
			)
			continue
		}
		if svc.Name == "" {
			svc.Name = strings.TrimPrefix(key, s.prefix)
		}

		config.ApplyServiceDefaults(&svc)
		if errs := config.ValidateService(&svc); errs.HasErrors() {
			s.logger.Warn("skipping invalid service descriptor",
				observability.String("key", key),
				observability.Error(errs),
			)
			continue
		}

		services = append(services, svc)
	}

	s.logger.Info("loaded service descriptors from etcd",
		observability.String("prefix", s.prefix),
		observability.Int("services", len(services)),
	)
	return services, nil
}

// Close releases the etcd connection.
func (s *EtcdSource) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
