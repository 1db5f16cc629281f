package discovery

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/registry"
)

// fakeKV serves a fixed key set to Get.
type fakeKV struct {
	clientv3.KV
	kvs    []*mvccpb.KeyValue
	err    error
	prefix string
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.prefix = key
	if f.err != nil {
		return nil, f.err
	}
	return &clientv3.GetResponse{Kvs: f.kvs}, nil
}

func kv(key, value string) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}
}

type errSource struct{}

func (errSource) Name() string { return "broken" }

func (errSource) Load(context.Context) ([]config.ServiceConfig, error) {
	return nil, errors.New("boom")
}

func service(name string, addrs ...string) config.ServiceConfig {
	svc := config.ServiceConfig{Name: name}
	for _, a := range addrs {
		svc.Instances = append(svc.Instances, config.InstanceConfig{Address: a})
	}
	config.ApplyServiceDefaults(&svc)
	return svc
}

func TestEtcdSource_Load(t *testing.T) {
	t.Parallel()

	fake := &fakeKV{kvs: []*mvccpb.KeyValue{
		kv("/svcgate/services/bookings",
			`{"name":"bookings","timeout":"5s","instances":[{"address":"http://10.0.0.5:8080","weight":2}]}`),
		kv("/svcgate/services/loyalty", `{"instances":[{"address":"http://10.0.0.6:8080"}]}`),
		kv("/svcgate/services/garbage", `{not json`),
		kv("/svcgate/services/empty", `{"name":"empty","instances":[]}`),
	}}
	src := newEtcdSource(fake, "", time.Second)

	services, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultEtcdPrefix, fake.prefix)
	assert.Equal(t, "etcd", src.Name())

	require.Len(t, services, 2)
	assert.Equal(t, "bookings", services[0].Name)
	assert.Equal(t, 5*time.Second, services[0].Timeout.Duration())
	assert.Equal(t, config.DefaultHealthPath, services[0].HealthPath)
	assert.Equal(t, 2, services[0].Instances[0].Weight)

	assert.Equal(t, "loyalty", services[1].Name)
	assert.Equal(t, "loyalty-1", services[1].Instances[0].ID)
	assert.NoError(t, src.Close())
}

func TestEtcdSource_GetError(t *testing.T) {
	t.Parallel()

	src := newEtcdSource(&fakeKV{err: errors.New("etcdserver: request timed out")}, "/p/", time.Second)

	_, err := src.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/p/")
}

func TestNewEtcdSource_NoEndpoints(t *testing.T) {
	t.Parallel()

	_, err := NewEtcdSource(config.EtcdConfig{Enabled: true})
	assert.Error(t, err)
}

func TestPopulate(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	static := NewStaticSource([]config.ServiceConfig{
		service("flights", "http://10.0.0.1:8080", "http://10.0.0.2:8080"),
	})
	fromEtcd := newEtcdSource(&fakeKV{kvs: []*mvccpb.KeyValue{
		kv("/svcgate/services/flights", `{"name":"flights","instances":[{"address":"http://10.9.9.9:8080"}]}`),
		kv("/svcgate/services/payments", `{"name":"payments","instances":[{"address":"http://10.0.0.3:8080"}]}`),
	}}, "", time.Second)

	n, err := Populate(context.Background(), reg, nil, static, fromEtcd)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"flights", "payments"}, reg.Names())

	flights, err := reg.Get("flights")
	require.NoError(t, err)
	require.Len(t, flights.Instances, 2)
	assert.Equal(t, "http://10.0.0.1:8080", flights.Instances[0].Address)
}

func TestPopulate_SourceError(t *testing.T) {
	t.Parallel()

	_, err := Populate(context.Background(), registry.New(), nil, errSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestPopulate_InvalidDescriptor(t *testing.T) {
	t.Parallel()

	_, err := Populate(context.Background(), registry.New(), nil,
		NewStaticSource([]config.ServiceConfig{{Name: "empty"}}))
	assert.True(t, errors.Is(err, registry.ErrNoInstances))
}

func TestEtcdSource_Integration(t *testing.T) {
	endpoints := os.Getenv("SVCGATE_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("SVCGATE_ETCD_ENDPOINTS not set")
	}

	prefix := "/svcgate-test/" + t.Name() + "/"
	cfg := config.EtcdConfig{Endpoints: strings.Split(endpoints, ","), Prefix: prefix}

	src, err := NewEtcdSource(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = src.client.Put(ctx, prefix+"flights",
		`{"name":"flights","instances":[{"address":"http://127.0.0.1:9001"}]}`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = src.client.Delete(context.Background(), prefix, clientv3.WithPrefix())
	})

	services, err := src.Load(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "flights", services[0].Name)
}
