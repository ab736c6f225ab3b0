package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceKeyEscapesEndpoint(t *testing.T) {
	key := instanceKey("hub", "http://10.0.0.1:8080/push")
	assert.Equal(t, "/push-rpc/hub/http:%2F%2F10.0.0.1:8080%2Fpush", key)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	_, err := Resolve(ctx, reg, "hub")
	require.ErrorIs(t, err, ErrNoInstances)

	require.NoError(t, reg.Register(ctx, "hub", Instance{Endpoint: "http://b/push"}, 10))
	require.NoError(t, reg.Register(ctx, "hub", Instance{Endpoint: "http://a/push"}, 10))
	endpoint, err := Resolve(ctx, reg, "hub")
	require.NoError(t, err)
	assert.Equal(t, "http://a/push", endpoint)

	require.NoError(t, reg.Deregister(ctx, "hub", "http://a/push"))
	endpoint, err = Resolve(ctx, reg, "hub")
	require.NoError(t, err)
	assert.Equal(t, "http://b/push", endpoint)
}

func TestMemoryRegistryReplacesEndpoint(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "hub", Instance{Endpoint: "http://a", Version: "1"}, 10))
	require.NoError(t, reg.Register(ctx, "hub", Instance{Endpoint: "http://a", Version: "2"}, 10))

	got, err := reg.Discover(ctx, "hub")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Version)
}

func TestMemoryRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	ch := reg.Watch(ctx, "hub")

	require.NoError(t, reg.Register(ctx, "hub", Instance{Endpoint: "http://a"}, 10))
	require.NoError(t, reg.Register(ctx, "hub", Instance{Endpoint: "http://b"}, 10))

	select {
	case got := <-ch:
		assert.Len(t, got, 2, "a slow watcher sees the latest list")
	case <-time.After(time.Second):
		t.Fatal("no watch event")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
