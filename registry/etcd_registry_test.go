package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEtcd skips the test when no etcd answers on localhost.
func newEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newEtcd(t)
	ctx := context.Background()
	service := "test-" + time.Now().Format("150405.000000")

	a := Instance{Endpoint: "http://127.0.0.1:8001/push", Version: "1.0"}
	b := Instance{Endpoint: "http://127.0.0.1:8002/push", Version: "1.0", Codecs: []string{"cbor"}}
	require.NoError(t, reg.Register(ctx, service, a, 10))
	require.NoError(t, reg.Register(ctx, service, b, 10))

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Instance{a, b}, instances)

	endpoint, err := Resolve(ctx, reg, service)
	require.NoError(t, err)
	assert.Equal(t, a.Endpoint, endpoint)

	require.NoError(t, reg.Deregister(ctx, service, a.Endpoint))
	instances, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, b.Endpoint, instances[0].Endpoint)

	require.NoError(t, reg.Deregister(ctx, service, b.Endpoint))
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := "watch-" + time.Now().Format("150405.000000")

	ch := reg.Watch(ctx, service)
	inst := Instance{Endpoint: "http://127.0.0.1:9000/push"}
	require.NoError(t, reg.Register(ctx, service, inst, 10))

	select {
	case got := <-ch:
		assert.Equal(t, []Instance{inst}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event")
	}
	require.NoError(t, reg.Deregister(ctx, service, inst.Endpoint))
}
