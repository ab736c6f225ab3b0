package message

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(i int) Message {
	return MustNew("n", []byte(strconv.Itoa(i)), nil)
}

func TestBufferDropOldest(t *testing.T) {
	b := NewBuffer(1000, DropOldest)
	for i := 1; i <= 1100; i++ {
		_, err := b.Push(numbered(i))
		require.NoError(t, err)
	}

	assert.Equal(t, 1000, b.Len())
	assert.Equal(t, uint64(100), b.Dropped())

	got := b.Drain()
	require.Len(t, got, 1000)
	assert.Equal(t, "101", string(got[0].Payload()))
	assert.Equal(t, "1100", string(got[999].Payload()))
	assert.Zero(t, b.Len())
}

func TestBufferReject(t *testing.T) {
	b := NewBuffer(1000, Reject)
	rejected := 0
	for i := 1; i <= 1100; i++ {
		if _, err := b.Push(numbered(i)); err != nil {
			require.ErrorIs(t, err, ErrCapacityExceeded)
			rejected++
		}
	}

	assert.Equal(t, 100, rejected)
	assert.Zero(t, b.Dropped())
	got := b.Drain()
	assert.Equal(t, "1", string(got[0].Payload()))
	assert.Equal(t, "1000", string(got[999].Payload()))
}

func TestBufferPopAndSnapshot(t *testing.T) {
	b := NewBuffer(0, DropOldest)
	for i := 0; i < 3; i++ {
		b.Push(numbered(i))
	}

	snap := b.Snapshot()
	assert.Len(t, snap, 3)

	m, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, "0", string(m.Payload()))
	assert.Equal(t, 2, b.Len())
	assert.Len(t, snap, 3, "snapshot is independent")

	b.Clear()
	_, ok = b.Pop()
	assert.False(t, ok)
}

func TestBufferSetLimit(t *testing.T) {
	b := NewBuffer(10, Reject)
	for i := 0; i < 10; i++ {
		b.Push(numbered(i))
	}
	b.SetLimit(4)
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, uint64(6), b.Dropped())
	m, _ := b.Pop()
	assert.Equal(t, "6", string(m.Payload()))
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, Reject, p)

	_, err = ParseOverflowPolicy("drop_newest")
	assert.Error(t, err)
}
