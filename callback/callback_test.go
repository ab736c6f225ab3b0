package callback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireOnce(t *testing.T) {
	var calls atomic.Int32
	cb := New(func(v int) { calls.Add(1) })

	_, ok := cb.Result()
	assert.False(t, ok)

	assert.True(t, cb.Fire(1))
	assert.False(t, cb.Fire(2))

	v, ok := cb.Result()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentFire(t *testing.T) {
	var calls atomic.Int32
	cb := New(func(string) { calls.Add(1) })

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Fire("x") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, cb.Fired())
}

func TestWait(t *testing.T) {
	cb := New[int](nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cb.Fire(42)
	}()

	v, err := cb.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWaitContextDone(t *testing.T) {
	cb := New[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cb.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, cb.Fired())
}
