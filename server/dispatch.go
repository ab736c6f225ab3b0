package server

import (
	"context"
	"fmt"
	"push-rpc/codec"
	"push-rpc/message"
	"strings"

	"github.com/google/uuid"
)

// dispatch handles the invocation kinds. Every path produces exactly one
// reply: a _result on success, an _error otherwise. Authorization always runs
// before the constructor or method; a denial means neither is called.
func (h *Hub) dispatch(ctx context.Context, s *Session, m message.Message, vc codec.Codec) []message.Message {
	corr := m.Correlation()
	fail := func(class message.ErrorClass, format string, args ...any) []message.Message {
		detail := fmt.Sprintf(format, args...)
		h.log.Debug().Str("session", s.id).Str("kind", m.Kind()).Str("class", string(class)).Msg(detail)
		return []message.Message{message.NewError(class, detail, corr, m.Kind())}
	}
	result := func(payload []byte, labels map[string]string) []message.Message {
		if labels == nil {
			labels = map[string]string{}
		}
		if corr != "" {
			labels[message.LabelCorrelation] = corr
		}
		return []message.Message{message.MustNew(message.KindResult, payload, labels)}
	}

	switch m.Kind() {
	case message.KindConstruct:
		typeID, _ := m.Label(message.LabelType)
		b := h.binding(typeID)
		if b == nil {
			return fail(message.ClassExecution, "%v: %q", errUnboundType, typeID)
		}
		if !authorize(b.authorizer, func(a Authorizer) bool { return a.AuthorizeConstruction(typeID, s) }) {
			return fail(message.ClassConstructionDenied, "construction of %s denied", typeID)
		}
		oid := b.SharedObjectID()
		if !b.Shared() {
			obj, err := h.construct(ctx, b, s)
			if err != nil {
				return fail(message.ClassExecution, "constructing %s: %v", typeID, err)
			}
			oid = uuid.NewString()
			if err := s.putObject(oid, remoteObject{typeID: typeID, instance: obj}); err != nil {
				return fail(message.ClassExecution, "%v", err)
			}
		}
		return result(nil, map[string]string{message.LabelType: typeID, message.LabelObject: oid})

	case message.KindInvoke:
		oid, _ := m.Label(message.LabelObject)
		method, _ := m.Label(message.LabelMethod)
		b, instance, err := h.resolveObject(s, oid)
		if err != nil {
			return fail(message.ClassExecution, "%v", err)
		}
		if !authorize(b.authorizer, func(a Authorizer) bool { return a.AuthorizeInvocation(b.typeID, instance, method, s) }) {
			return fail(message.ClassInvocationDenied, "invocation of %s.%s denied", b.typeID, method)
		}
		entry, ok := b.methods.lookup(method)
		if !ok {
			return fail(message.ClassExecution, "%v: %s.%s", ErrUnknownMethod, b.typeID, method)
		}
		ret, err := h.invoke(ctx, entry, instance, m.Payload(), vc)
		if err != nil {
			return fail(message.ClassExecution, "%s.%s: %v", b.typeID, method, err)
		}
		if ref, ok := ret.(Ref); ok {
			info, err := h.registerRef(s, ref)
			if err != nil {
				return fail(message.ClassExecution, "%s.%s: %v", b.typeID, method, err)
			}
			payload, err := vc.Encode(info)
			if err != nil {
				return fail(message.ClassExecution, "encoding reference: %v", err)
			}
			return result(payload, map[string]string{
				message.LabelRef:    info.ObjectID,
				message.LabelObject: info.ObjectID,
				message.LabelType:   info.TypeID,
			})
		}
		payload, err := vc.Encode(ret)
		if err != nil {
			return fail(message.ClassExecution, "encoding result of %s.%s: %v", b.typeID, method, err)
		}
		return result(payload, nil)

	case message.KindSignature:
		typeID, _ := m.Label(message.LabelType)
		b := h.binding(typeID)
		if b == nil {
			return fail(message.ClassExecution, "%v: %q", errUnboundType, typeID)
		}
		payload, err := vc.Encode(b.MethodNames())
		if err != nil {
			return fail(message.ClassExecution, "encoding signature: %v", err)
		}
		return result(payload, map[string]string{message.LabelType: typeID})

	case message.KindRelease:
		oid, _ := m.Label(message.LabelObject)
		if !strings.HasPrefix(oid, sharedPrefix) {
			s.removeObject(oid)
		}
		return result(nil, map[string]string{message.LabelObject: oid})
	}
	return fail(message.ClassExecution, "unsupported invocation kind")
}

// resolveObject maps an object id to its binding and instance.
func (h *Hub) resolveObject(s *Session, oid string) (*ClassBinding, any, error) {
	if typeID, ok := strings.CutPrefix(oid, sharedPrefix); ok {
		b := h.binding(typeID)
		if b == nil || !b.Shared() {
			return nil, nil, fmt.Errorf("%w: %q", errUnboundType, typeID)
		}
		return b, b.instance, nil
	}
	obj, ok := s.object(oid)
	if !ok {
		return nil, nil, fmt.Errorf("unknown object %q", oid)
	}
	b := h.binding(obj.typeID)
	if b == nil {
		return nil, nil, fmt.Errorf("%w: %q", errUnboundType, obj.typeID)
	}
	return b, obj.instance, nil
}

// registerRef makes a handler-returned reference reachable from the session.
func (h *Hub) registerRef(s *Session, ref Ref) (RefInfo, error) {
	b := h.binding(ref.TypeID)
	if b == nil {
		return RefInfo{}, fmt.Errorf("%w: %q", errUnboundType, ref.TypeID)
	}
	if ref.Object == nil {
		if !b.Shared() {
			return RefInfo{}, fmt.Errorf("nil reference to %s", ref.TypeID)
		}
		return RefInfo{TypeID: ref.TypeID, ObjectID: b.SharedObjectID()}, nil
	}
	oid := uuid.NewString()
	if err := s.putObject(oid, remoteObject{typeID: ref.TypeID, instance: ref.Object}); err != nil {
		return RefInfo{}, err
	}
	return RefInfo{TypeID: ref.TypeID, ObjectID: oid}, nil
}

func (h *Hub) construct(ctx context.Context, b *ClassBinding, s *Session) (obj any, err error) {
	defer func() {
		if r := recover(); r != nil {
			obj, err = nil, fmt.Errorf("constructor panic: %v", r)
		}
	}()
	return b.construct(ctx, s)
}

func (h *Hub) invoke(ctx context.Context, e MethodEntry, instance any, args []byte, vc codec.Codec) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return e.call(ctx, instance, args, vc)
}
