package client

import (
	"context"
	"fmt"
	"push-rpc/message"
	"sync/atomic"
)

// RemoteObject is the local stand-in for a server-resident object.
type RemoteObject struct {
	manager  *RemoteObjectManager
	typeID   string
	oid      string
	released atomic.Bool
}

func (o *RemoteObject) TypeID() string { return o.typeID }

func (o *RemoteObject) ObjectID() string { return o.oid }

func (o *RemoteObject) Released() bool { return o.released.Load() }

// Call invokes method with args and decodes the result into reply. args and
// reply may be nil. The method name is checked against the type's signature
// before anything is sent.
func (o *RemoteObject) Call(ctx context.Context, method string, args, reply any) error {
	res, err := o.invoke(ctx, method, args)
	if err != nil {
		return err
	}
	if ref, ok := res.Label(message.LabelRef); ok {
		p, ok := reply.(**RemoteObject)
		if !ok {
			return fmt.Errorf("%s.%s: %w", o.typeID, method, errRefResult)
		}
		typeID, _ := res.Label(message.LabelType)
		*p = o.manager.mint(typeID, ref)
		return nil
	}
	if reply == nil || len(res.Payload()) == 0 {
		return nil
	}
	if err := o.manager.session.valueCodec().Decode(res.Payload(), reply); err != nil {
		return fmt.Errorf("%w: result of %s.%s: %w", message.ErrDecode, o.typeID, method, err)
	}
	return nil
}

// CallObject invokes a method that returns another remote object and
// returns its proxy.
func (o *RemoteObject) CallObject(ctx context.Context, method string, args any) (*RemoteObject, error) {
	var ref *RemoteObject
	if err := o.Call(ctx, method, args, &ref); err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("%s.%s: %w", o.typeID, method, errNoReply)
	}
	return ref, nil
}

func (o *RemoteObject) invoke(ctx context.Context, method string, args any) (message.Message, error) {
	if o.released.Load() {
		return message.Message{}, fmt.Errorf("%s %s: %w", o.typeID, o.oid, ErrReleased)
	}
	if err := o.manager.hasMethod(ctx, o.typeID, method); err != nil {
		return message.Message{}, err
	}
	var payload []byte
	if args != nil {
		b, err := o.manager.session.valueCodec().Encode(args)
		if err != nil {
			return message.Message{}, fmt.Errorf("encoding arguments of %s.%s: %w", o.typeID, method, err)
		}
		payload = b
	}
	req := message.MustNew(message.KindInvoke, payload, map[string]string{
		message.LabelObject: o.oid,
		message.LabelMethod: method,
		message.LabelType:   o.typeID,
	})
	res, err := o.manager.roundTrip(ctx, req)
	if err != nil {
		return message.Message{}, fmt.Errorf("%s.%s: %w", o.typeID, method, err)
	}
	return res, nil
}

// Release drops the object on the hub and removes the proxy. Shared objects
// are only forgotten locally.
func (o *RemoteObject) Release(ctx context.Context) error {
	if !o.released.CompareAndSwap(false, true) {
		return nil
	}
	o.manager.forget(o.oid)
	if Shared(o.oid) {
		return nil
	}
	req := message.MustNew(message.KindRelease, nil, map[string]string{message.LabelObject: o.oid})
	if _, err := o.manager.roundTrip(ctx, req); err != nil {
		return fmt.Errorf("releasing %s %s: %w", o.typeID, o.oid, err)
	}
	return nil
}

func (o *RemoteObject) String() string {
	return fmt.Sprintf("%s(%s)", o.typeID, o.oid)
}
