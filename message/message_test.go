package message

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCopiesInputs(t *testing.T) {
	labels := map[string]string{"room": "lobby"}
	payload := []byte("hi")

	m, err := New("chat.post", payload, labels)
	require.NoError(t, err)

	labels["room"] = "changed"
	payload[0] = 'X'

	v, ok := m.Label("room")
	require.True(t, ok)
	assert.Equal(t, "lobby", v)
	assert.Equal(t, []byte("hi"), m.Payload())

	// Mutating what an accessor returns must not leak back either.
	m.Labels()["room"] = "again"
	m.Payload()[0] = 'Y'
	v, _ = m.Label("room")
	assert.Equal(t, "lobby", v)
	assert.Equal(t, []byte("hi"), m.Payload())
}

func TestNewRejectsEmptyKind(t *testing.T) {
	_, err := New("", nil, nil)
	require.ErrorIs(t, err, ErrEmptyKind)
}

func TestNewRejectsInvalidUTF8(t *testing.T) {
	_, err := New("chat\xff", nil, nil)
	require.ErrorIs(t, err, ErrInvalidText)
	_, err = New("chat", nil, map[string]string{"room": "\xfe"})
	require.ErrorIs(t, err, ErrInvalidText)
	assert.Panics(t, func() { MustNew("\xff", nil, nil) })

	m, err := New("chat.é", []byte{0xff}, map[string]string{"room": "café"})
	require.NoError(t, err, "payload bytes are not text")
	assert.Equal(t, "chat.é", m.Kind())
}

func TestWithKeepsOriginal(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m, err := NewAt("ping", []byte("x"), nil, created)
	require.NoError(t, err)

	tagged := m.With(LabelCorrelation, "abc")
	assert.Equal(t, "abc", tagged.Correlation())
	assert.Empty(t, m.Correlation())
	assert.True(t, tagged.CreatedAt().Equal(created))
}

func TestEqual(t *testing.T) {
	at := time.Now()
	a, _ := NewAt("k", []byte("p"), map[string]string{"a": "1"}, at)
	b, _ := NewAt("k", []byte("p"), map[string]string{"a": "1"}, at)
	c, _ := NewAt("k", []byte("p"), map[string]string{"a": "2"}, at)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestSystemKinds(t *testing.T) {
	assert.True(t, IsSystemKind(KindInvoke))
	assert.False(t, IsSystemKind("chat.post"))
	assert.True(t, IsInvocationKind(KindConstruct))
	assert.False(t, IsInvocationKind(KindResult))
}

func TestAsError(t *testing.T) {
	m := NewError(ClassInvocationDenied, "no", "c1", "")
	err := AsError(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvocationDenied))

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no", remote.Detail)
	assert.Equal(t, "c1", m.Correlation())

	assert.NoError(t, AsError(MustNew("ping", nil, nil)))
	assert.ErrorIs(t, AsError(MustNew(KindAuthFailed, nil, nil)), ErrAuthenticationDenied)
}
