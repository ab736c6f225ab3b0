package client

import (
	"context"
	"errors"
	"fmt"
	"push-rpc/callback"
	"push-rpc/message"
	"push-rpc/protocol"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownMethod = errors.New("client: unknown method")
	ErrReleased      = errors.New("client: remote object released")
	errRefResult     = errors.New("client: method returned a remote reference, use CallObject")
)

type outcome struct {
	msg message.Message
	err error
}

// RemoteObjectManager owns the proxy table. It is the only code that adds or
// removes RemoteObjects.
type RemoteObjectManager struct {
	session *ServerSession

	mu      sync.Mutex
	objects map[string]*RemoteObject
	pending map[string]*callback.Callback[outcome]

	sigMu      sync.Mutex
	signatures map[string][]string
	sigFetch   singleflight.Group
}

func newRemoteObjectManager(s *ServerSession) *RemoteObjectManager {
	return &RemoteObjectManager{
		session:    s,
		objects:    make(map[string]*RemoteObject),
		pending:    make(map[string]*callback.Callback[outcome]),
		signatures: make(map[string][]string),
	}
}

// CreateRemoteInstance asks the hub to construct typeID and returns a proxy
// for the new object. A denial is reported as an error wrapping
// message.ErrConstructionDenied and no proxy is created.
func (m *RemoteObjectManager) CreateRemoteInstance(ctx context.Context, typeID string) (*RemoteObject, error) {
	req, err := message.New(message.KindConstruct, nil, map[string]string{message.LabelType: typeID})
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", typeID, err)
	}
	res, err := m.roundTrip(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", typeID, err)
	}
	oid, _ := res.Label(message.LabelObject)
	if oid == "" {
		return nil, fmt.Errorf("creating %s: reply carries no object id", typeID)
	}
	return m.mint(typeID, oid), nil
}

// Object returns the live proxy for oid.
func (m *RemoteObjectManager) Object(oid string) (*RemoteObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[oid]
	return o, ok
}

// Objects returns every live proxy.
func (m *RemoteObjectManager) Objects() []*RemoteObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RemoteObject, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o)
	}
	return out
}

// Signature returns the method names of typeID. The first lookup per type
// asks the hub; later ones are served from the cache. Concurrent lookups share
// one fetch, which runs until the connection timeout even if the caller that
// started it gives up.
func (m *RemoteObjectManager) Signature(ctx context.Context, typeID string) ([]string, error) {
	m.sigMu.Lock()
	sig, ok := m.signatures[typeID]
	m.sigMu.Unlock()
	if ok {
		return sig, nil
	}

	fetch := m.sigFetch.DoChan(typeID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.session.Connection().Timeout())
		defer cancel()
		return m.fetchSignature(ctx, typeID)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetching signature of %s: %w", typeID, ctx.Err())
	case r := <-fetch:
		if r.Err != nil {
			return nil, fmt.Errorf("fetching signature of %s: %w", typeID, r.Err)
		}
		return r.Val.([]string), nil
	}
}

func (m *RemoteObjectManager) fetchSignature(ctx context.Context, typeID string) ([]string, error) {
	req, err := message.New(message.KindSignature, nil, map[string]string{message.LabelType: typeID})
	if err != nil {
		return nil, err
	}
	res, err := m.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := m.session.valueCodec().Decode(res.Payload(), &names); err != nil {
		return nil, fmt.Errorf("%w: signature of %s: %w", message.ErrDecode, typeID, err)
	}
	slices.Sort(names)
	m.sigMu.Lock()
	m.signatures[typeID] = names
	m.sigMu.Unlock()
	return names, nil
}

func (m *RemoteObjectManager) hasMethod(ctx context.Context, typeID, method string) error {
	sig, err := m.Signature(ctx, typeID)
	if err != nil {
		return err
	}
	if _, ok := slices.BinarySearch(sig, method); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownMethod, typeID, method)
	}
	return nil
}

// roundTrip sends req with a fresh correlation token and waits for the
// matching reply.
func (m *RemoteObjectManager) roundTrip(ctx context.Context, req message.Message) (message.Message, error) {
	corr := uuid.NewString()
	req = req.With(message.LabelCorrelation, corr)

	done := callback.New[outcome](nil)
	m.mu.Lock()
	m.pending[corr] = done
	m.mu.Unlock()

	op := m.session.send(protocol.NewEnvelope(req), nil)
	out, err := done.Wait(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.pending, corr)
		m.mu.Unlock()
		op.Cancel()
		return message.Message{}, err
	}
	if out.err != nil {
		return message.Message{}, out.err
	}
	if err := message.AsError(out.msg); err != nil {
		return message.Message{}, err
	}
	return out.msg, nil
}

// resolve hands a reply to the caller waiting for its correlation token. It
// reports false if nobody is waiting.
func (m *RemoteObjectManager) resolve(msg message.Message) bool {
	corr := msg.Correlation()
	if corr == "" {
		return false
	}
	m.mu.Lock()
	done, ok := m.pending[corr]
	delete(m.pending, corr)
	m.mu.Unlock()
	if !ok {
		return false
	}
	done.Fire(outcome{msg: msg})
	return true
}

// settle fails the callers of corrs that are still waiting.
func (m *RemoteObjectManager) settle(corrs []string, err error) {
	for _, corr := range corrs {
		m.mu.Lock()
		done, ok := m.pending[corr]
		delete(m.pending, corr)
		m.mu.Unlock()
		if ok {
			done.Fire(outcome{err: err})
		}
	}
}

// reset fails every waiting caller with err and forgets all proxies and
// signatures.
func (m *RemoteObjectManager) reset(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*callback.Callback[outcome])
	objects := m.objects
	m.objects = make(map[string]*RemoteObject)
	m.mu.Unlock()

	m.sigMu.Lock()
	clear(m.signatures)
	m.sigMu.Unlock()

	for _, done := range pending {
		done.Fire(outcome{err: err})
	}
	for _, o := range objects {
		o.released.Store(true)
	}
}

// mint returns the proxy for oid, creating it on first sight.
func (m *RemoteObjectManager) mint(typeID, oid string) *RemoteObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[oid]; ok {
		return o
	}
	o := &RemoteObject{manager: m, typeID: typeID, oid: oid}
	m.objects[oid] = o
	return o
}

func (m *RemoteObjectManager) forget(oid string) {
	m.mu.Lock()
	delete(m.objects, oid)
	m.mu.Unlock()
}

// Shared reports whether oid names an object every session sees.
func Shared(oid string) bool { return strings.HasPrefix(oid, "@") }
