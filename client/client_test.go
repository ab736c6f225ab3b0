package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"push-rpc/codec"
	"push-rpc/config"
	"push-rpc/message"
	"push-rpc/server"
	"push-rpc/transport"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	mu sync.Mutex
	n  int
}

type widget struct{}

type addArgs struct {
	N int `json:"n" cbor:"n"`
}

func counterMethods() []server.MethodEntry {
	return []server.MethodEntry{
		server.Method("Add", func(ctx context.Context, c *counter, a addArgs) (int, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.n += a.N
			return c.n, nil
		}),
		server.Method("Fork", func(ctx context.Context, c *counter, _ struct{}) (server.Ref, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			return server.Ref{TypeID: "Counter", Object: &counter{n: c.n}}, nil
		}),
		server.Method("Fail", func(ctx context.Context, c *counter, _ struct{}) (int, error) {
			return 0, errors.New("boom")
		}),
	}
}

type fixture struct {
	hub      *server.Hub
	url      string
	requests atomic.Int32
	hold     atomic.Pointer[chan struct{}] // requests block on it while set
}

func newFixture(t testing.TB, opts ...server.Option) *fixture {
	t.Helper()
	f := &fixture{hub: server.NewHub(opts...)}
	b, err := server.NewClassBinding("Counter", func(ctx context.Context, s *server.Session) (*counter, error) {
		return &counter{}, nil
	}, server.AllowAll, counterMethods()...)
	require.NoError(t, err)
	f.hub.Bind(b)

	h := server.HTTPHandler(f.hub.AcceptRequest, 0, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if hold := f.hold.Load(); hold != nil {
			<-*hold
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	f.url = srv.URL
	return f
}

func (f *fixture) session(t testing.TB, opts ...Option) *ServerSession {
	t.Helper()
	opts = append([]Option{WithMaxCheckInterval(0), WithConnectionOptions(transport.WithTimeout(5 * time.Second))}, opts...)
	s := NewServerSession(f.url, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

// hubSession opens the hub side of s with an empty poll.
func (f *fixture) hubSession(t *testing.T, s *ServerSession) *server.Session {
	t.Helper()
	polled, err := s.MessageManager().Poll(context.Background())
	require.NoError(t, err)
	require.True(t, polled)
	hs, ok := f.hub.Session(s.Connection().SessionID())
	require.True(t, ok)
	return hs
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateAndCall(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeCBOR} {
		t.Run(ct.String(), func(t *testing.T) {
			f := newFixture(t)
			s := f.session(t, WithConnectionOptions(transport.WithCodec(ct)))
			rom := s.RemoteObjectManager()

			obj, err := rom.CreateRemoteInstance(ctxT(t), "Counter")
			require.NoError(t, err)
			assert.Equal(t, "Counter", obj.TypeID())
			assert.NotEmpty(t, obj.ObjectID())
			assert.True(t, s.SessionValid())

			var n int
			require.NoError(t, obj.Call(ctxT(t), "Add", addArgs{N: 2}, &n))
			assert.Equal(t, 2, n)
			require.NoError(t, obj.Call(ctxT(t), "Add", addArgs{N: 3}, &n))
			assert.Equal(t, 5, n)

			// construct, signature, two invocations
			assert.Equal(t, int32(4), f.requests.Load())

			got, ok := rom.Object(obj.ObjectID())
			require.True(t, ok)
			assert.Same(t, obj, got)
		})
	}
}

func TestConcurrentFirstCallsShareSession(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	rom := s.RemoteObjectManager()

	objs := make([]*RemoteObject, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	ctx := ctxT(t)
	for i := range objs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			objs[i], errs[i] = rom.CreateRemoteInstance(ctx, "Counter")
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Len(t, f.hub.Sessions(), 1)

	for _, obj := range objs {
		var n int
		require.NoError(t, obj.Call(ctxT(t), "Add", addArgs{N: 1}, &n), obj.String())
		assert.Equal(t, 1, n)
	}
}

func TestSignatureFetchOutlivesCanceledCaller(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	rom := s.RemoteObjectManager()
	f.hubSession(t, s)
	before := f.requests.Load()

	release := make(chan struct{})
	f.hold.Store(&release)

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := rom.Signature(first, "Counter")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.requests.Load() == before+1 }, time.Second, time.Millisecond)

	ctx := ctxT(t)
	var sig []string
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		sig, err = rom.Signature(ctx, "Counter")
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	f.hold.Store(nil)
	close(release)
	<-done
	require.NoError(t, err)
	assert.Equal(t, []string{"Add", "Fail", "Fork"}, sig)
	assert.Equal(t, before+1, f.requests.Load(), "one shared fetch")
}

func TestCreateRejectsInvalidTypeName(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	_, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter\xff")
	require.ErrorIs(t, err, message.ErrInvalidText)
	_, err = s.RemoteObjectManager().Signature(ctxT(t), "Counter\xff")
	require.ErrorIs(t, err, message.ErrInvalidText)
	assert.Zero(t, f.requests.Load())
}

func TestUnknownMethodFailsFast(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.NoError(t, err)

	sig, err := s.RemoteObjectManager().Signature(ctxT(t), "Counter")
	require.NoError(t, err)
	assert.Equal(t, []string{"Add", "Fail", "Fork"}, sig)
	before := f.requests.Load()

	err = obj.Call(ctxT(t), "Subtract", addArgs{N: 1}, nil)
	require.ErrorIs(t, err, ErrUnknownMethod)
	assert.Equal(t, before, f.requests.Load(), "no round trip for an unknown method")
}

func TestMethodErrorIsExecutionError(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.NoError(t, err)

	err = obj.Call(ctxT(t), "Fail", nil, nil)
	require.ErrorIs(t, err, message.ErrExecution)
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Detail, "boom")
}

func TestConstructionDenied(t *testing.T) {
	f := newFixture(t)
	var constructed, asked atomic.Int32
	b, err := server.NewClassBinding("Widget", func(ctx context.Context, s *server.Session) (*widget, error) {
		constructed.Add(1)
		return &widget{}, nil
	}, server.AuthorizerFuncs{Construction: func(typeID string, s *server.Session) bool {
		asked.Add(1)
		return false
	}}, server.Method("Spin", func(ctx context.Context, w *widget, _ struct{}) (bool, error) { return true, nil }))
	require.NoError(t, err)
	f.hub.Bind(b)

	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Widget")
	require.ErrorIs(t, err, message.ErrConstructionDenied)
	assert.Nil(t, obj)
	assert.Equal(t, int32(1), asked.Load())
	assert.Zero(t, constructed.Load(), "constructor must not run")
	assert.Empty(t, s.RemoteObjectManager().Objects())
}

func TestInvocationDenied(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	b, err := server.NewClassBinding("Widget", func(ctx context.Context, s *server.Session) (*widget, error) {
		return &widget{}, nil
	}, server.AuthorizerFuncs{
		Construction: func(string, *server.Session) bool { return true },
		Invocation:   func(string, any, string, *server.Session) bool { return false },
	}, server.Method("Spin", func(ctx context.Context, w *widget, _ struct{}) (bool, error) {
		calls.Add(1)
		return true, nil
	}))
	require.NoError(t, err)
	f.hub.Bind(b)

	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Widget")
	require.NoError(t, err)

	var spun bool
	err = obj.Call(ctxT(t), "Spin", nil, &spun)
	require.ErrorIs(t, err, message.ErrInvocationDenied)
	assert.False(t, spun)
	assert.Zero(t, calls.Load())
}

func TestCallObjectMintsProxy(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.NoError(t, err)
	require.NoError(t, obj.Call(ctxT(t), "Add", addArgs{N: 7}, nil))

	fork, err := obj.CallObject(ctxT(t), "Fork", nil)
	require.NoError(t, err)
	assert.Equal(t, "Counter", fork.TypeID())
	assert.NotEqual(t, obj.ObjectID(), fork.ObjectID())
	assert.Len(t, s.RemoteObjectManager().Objects(), 2)

	var n int
	require.NoError(t, fork.Call(ctxT(t), "Add", addArgs{N: 1}, &n))
	assert.Equal(t, 8, n)
	require.NoError(t, obj.Call(ctxT(t), "Add", addArgs{N: 0}, &n))
	assert.Equal(t, 7, n, "fork is independent")

	// A reference result cannot be decoded as a plain value.
	err = obj.Call(ctxT(t), "Fork", nil, &n)
	require.Error(t, err)
}

func TestSharedInstance(t *testing.T) {
	f := newFixture(t)
	shared := &counter{}
	b, err := server.NewInstanceBinding("Total", shared, server.AllowAll, counterMethods()...)
	require.NoError(t, err)
	f.hub.Bind(b)

	a := f.session(t)
	c := f.session(t)
	pa, err := a.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Total")
	require.NoError(t, err)
	pc, err := c.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Total")
	require.NoError(t, err)
	assert.Equal(t, "@Total", pa.ObjectID())
	assert.True(t, Shared(pa.ObjectID()))

	var n int
	require.NoError(t, pa.Call(ctxT(t), "Add", addArgs{N: 1}, &n))
	require.NoError(t, pc.Call(ctxT(t), "Add", addArgs{N: 1}, &n))
	assert.Equal(t, 2, n)

	again, err := a.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Total")
	require.NoError(t, err)
	assert.Same(t, pa, again)
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.NoError(t, err)
	hs, ok := f.hub.Session(s.Connection().SessionID())
	require.True(t, ok)
	assert.Equal(t, 1, hs.ObjectCount())

	require.NoError(t, obj.Release(ctxT(t)))
	assert.True(t, obj.Released())
	assert.Zero(t, hs.ObjectCount())
	_, ok = s.RemoteObjectManager().Object(obj.ObjectID())
	assert.False(t, ok)

	err = obj.Call(ctxT(t), "Add", addArgs{N: 1}, nil)
	require.ErrorIs(t, err, ErrReleased)
	require.NoError(t, obj.Release(ctxT(t)), "second release is a no-op")
}

func TestPushedMessagesReachObservers(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	mm := s.MessageManager()

	var mu sync.Mutex
	var exact, all []string
	mm.AddObserver("t", "news", func(m message.Message) {
		mu.Lock()
		exact = append(exact, string(m.Payload()))
		mu.Unlock()
	})
	mm.AddObserver("t", message.Wildcard, func(m message.Message) {
		mu.Lock()
		all = append(all, m.Kind())
		mu.Unlock()
	})

	hs := f.hubSession(t, s)
	require.NoError(t, f.hub.Send(message.MustNew("news", []byte("one"), nil), hs))
	require.NoError(t, f.hub.Broadcast(message.MustNew("news", []byte("two"), nil)))
	require.NoError(t, f.hub.Send(message.MustNew("weather", []byte("rain"), nil), hs))

	polled, err := mm.Poll(ctxT(t))
	require.NoError(t, err)
	require.True(t, polled)

	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, exact)
	assert.Equal(t, []string{"news", "news", "weather"}, all)
	mu.Unlock()

	require.Equal(t, 3, mm.MessageCount())
	first, ok := mm.PopMessage()
	require.True(t, ok)
	assert.Equal(t, "one", string(first.Payload()))
	assert.Len(t, mm.Messages(), 2)
	assert.Equal(t, 2, mm.ClearMessages())
	assert.Zero(t, mm.MessageCount())

	assert.True(t, mm.RemoveObserver("t", "news"))
	assert.False(t, mm.RemoveObserver("t", "news"))
	require.NoError(t, f.hub.Send(message.MustNew("news", []byte("three"), nil), hs))
	_, err = mm.Poll(ctxT(t))
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, exact)
	mu.Unlock()
}

func TestPollIsRateLimited(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, WithMaxCheckInterval(time.Hour))
	mm := s.MessageManager()

	polled, err := mm.Poll(ctxT(t))
	require.NoError(t, err)
	assert.True(t, polled)
	polled, err = mm.Poll(ctxT(t))
	require.NoError(t, err)
	assert.False(t, polled)
	assert.Equal(t, int32(1), f.requests.Load())

	mm.SetMaxCheckInterval(0)
	polled, err = mm.Poll(ctxT(t))
	require.NoError(t, err)
	assert.True(t, polled)
}

func TestInboundBufferBounds(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, WithMaxMessages(3, message.DropOldest))
	mm := s.MessageManager()
	hs := f.hubSession(t, s)

	for _, p := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, f.hub.Send(message.MustNew("n", []byte(p), nil), hs))
	}
	_, err := mm.Poll(ctxT(t))
	require.NoError(t, err)

	var got []string
	for _, m := range mm.Messages() {
		got = append(got, string(m.Payload()))
	}
	assert.Equal(t, []string{"3", "4", "5"}, got)
	assert.Equal(t, uint64(2), mm.Dropped())

	mm.SetMaxMessages(1)
	assert.Equal(t, 1, mm.MessageCount())
	assert.Equal(t, 1, mm.MaxMessages())
}

func TestKeepMessagesOff(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, WithKeepMessages(false))
	mm := s.MessageManager()
	var seen atomic.Int32
	mm.AddObserver(1, "n", func(message.Message) { seen.Add(1) })

	hs := f.hubSession(t, s)
	require.NoError(t, f.hub.Send(message.MustNew("n", nil, nil), hs))
	_, err := mm.Poll(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, int32(1), seen.Load())
	assert.Zero(t, mm.MessageCount())
	assert.False(t, mm.KeepMessages())
}

func TestSendSynchronousMessage(t *testing.T) {
	f := newFixture(t)
	f.hub.AddGlobalObserver("echo", "ping", func(ctx context.Context, m message.Message, s *server.Session) ([]message.Message, error) {
		return []message.Message{message.MustNew("pong", m.Payload(), nil)}, nil
	})
	s := f.session(t)

	msgs, err := s.MessageManager().SendSynchronousMessage(ctxT(t), message.MustNew("ping", []byte("x"), nil))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pong", msgs[0].Kind())
	assert.Equal(t, 1, s.MessageManager().MessageCount(), "responses are buffered too")

	done := make(chan Reply, 1)
	s.MessageManager().SendMessage(message.MustNew("ping", []byte("y"), nil), func(r Reply) { done <- r })
	select {
	case r := <-done:
		require.NoError(t, r.Err)
		require.Len(t, r.Messages, 1)
		assert.Equal(t, "y", string(r.Messages[0].Payload()))
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestAnswerServerCallback(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	mm := s.MessageManager()
	mm.AddObserver("answerer", "question", func(m message.Message) {
		mm.SendMessage(message.MustNew("answer", []byte("42"), map[string]string{
			message.LabelCorrelation: m.Correlation(),
		}), nil)
	})

	hs := f.hubSession(t, s)
	got := make(chan server.Outcome, 1)
	_, err := f.hub.SendWithCallback(message.MustNew("question", nil, nil), hs, func(o server.Outcome) { got <- o })
	require.NoError(t, err)

	_, err = mm.Poll(ctxT(t))
	require.NoError(t, err)
	select {
	case o := <-got:
		require.NoError(t, o.Err)
		assert.Equal(t, "42", string(o.Message.Payload()))
	case <-time.After(5 * time.Second):
		t.Fatal("hub callback did not fire")
	}
}

func TestAuthFailureInvalidatesSession(t *testing.T) {
	var allow atomic.Bool
	f := newFixture(t, server.WithAuthenticator(server.AuthenticatorFunc(
		func(ctx context.Context, rc server.RequestContext, s *server.Session) bool { return allow.Load() },
	)))
	s := f.session(t)

	_, err := s.MessageManager().SendSynchronousMessage(ctxT(t), message.MustNew("ping", nil, nil))
	require.ErrorIs(t, err, message.ErrAuthenticationDenied)
	assert.False(t, s.SessionValid())

	_, err = s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.ErrorIs(t, err, message.ErrAuthenticationDenied)

	allow.Store(true)
	_, err = s.MessageManager().SendSynchronousMessage(ctxT(t), message.MustNew("ping", nil, nil))
	require.NoError(t, err)
	assert.True(t, s.SessionValid())
}

func TestExpiredSession(t *testing.T) {
	f := newFixture(t, server.WithResumePolicy(server.RejectExpired))
	s := f.session(t)
	hs := f.hubSession(t, s)
	require.True(t, s.SessionValid())
	require.True(t, f.hub.Evict(hs.ID()))

	_, err := s.MessageManager().SendSynchronousMessage(ctxT(t), message.MustNew("ping", nil, nil))
	require.ErrorIs(t, err, message.ErrSessionExpired)
	assert.False(t, s.SessionValid())
	assert.Empty(t, s.Connection().SessionID())

	_, err = s.MessageManager().SendSynchronousMessage(ctxT(t), message.MustNew("ping", nil, nil))
	require.NoError(t, err)
	assert.True(t, s.SessionValid())
	assert.NotEqual(t, hs.ID(), s.Connection().SessionID())
}

func TestCloseAndReinitialize(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.NoError(t, err)
	first := s.Connection().SessionID()

	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())
	assert.False(t, s.SessionValid())
	assert.True(t, obj.Released())
	assert.Empty(t, s.RemoteObjectManager().Objects())

	_, err = s.MessageManager().SendSynchronousMessage(ctxT(t), message.MustNew("ping", nil, nil))
	require.ErrorIs(t, err, transport.ErrClosed)
	_, err = s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.ErrorIs(t, err, ErrSessionClosed)

	s.Reinitialize()
	assert.False(t, s.IsClosed())
	obj, err = s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.NoError(t, err)
	assert.NotEqual(t, first, s.Connection().SessionID())
	assert.Len(t, s.RemoteObjectManager().Objects(), 1)
	assert.False(t, obj.Released())
}

func TestCanceledCall(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	b, err := server.NewClassBinding("Slow", func(ctx context.Context, s *server.Session) (*widget, error) {
		return &widget{}, nil
	}, server.AllowAll, server.Method("Wait", func(ctx context.Context, w *widget, _ struct{}) (bool, error) {
		<-block
		return true, nil
	}))
	require.NoError(t, err)
	f.hub.Bind(b)
	defer close(block)

	s := f.session(t)
	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Slow")
	require.NoError(t, err)
	_, err = s.RemoteObjectManager().Signature(ctxT(t), "Slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = obj.Call(ctx, "Wait", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFromConfig(t *testing.T) {
	f := newFixture(t)
	cfg := config.Default().Client
	cfg.Endpoint = f.url
	cfg.Codec = "cbor"
	cfg.Compression = "zstd"
	cfg.MaxMessages = 10
	cfg.MaxCheckInterval = 0

	s, err := NewServerSessionFromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, codec.CodecTypeCBOR, s.Connection().Codec())
	assert.Equal(t, 10, s.MessageManager().MaxMessages())

	obj, err := s.RemoteObjectManager().CreateRemoteInstance(ctxT(t), "Counter")
	require.NoError(t, err)
	var n int
	require.NoError(t, obj.Call(ctxT(t), "Add", addArgs{N: 4}, &n))
	assert.Equal(t, 4, n)

	cfg.Codec = "morse"
	_, err = NewServerSessionFromConfig(cfg, zerolog.Nop())
	require.Error(t, err)
}
