package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// sharedPrefix marks object ids of instance bindings: every session reaches
// the shared instance of type T under "@T".
const sharedPrefix = "@"

// ClassBinding makes a type remotely constructible, or a single instance
// remotely reachable, together with the Authorizer guarding it.
type ClassBinding struct {
	typeID     string
	construct  func(ctx context.Context, s *Session) (any, error)
	instance   any
	authorizer Authorizer
	methods    *methodTable
}

// NewClassBinding binds a type whose instances are created per construction
// request. ctor runs only after construction is authorized.
func NewClassBinding[T any](typeID string, ctor func(ctx context.Context, s *Session) (T, error), authz Authorizer, methods ...MethodEntry) (*ClassBinding, error) {
	if ctor == nil {
		return nil, fmt.Errorf("%w: %s has no constructor", ErrInvalidBinding, typeID)
	}
	b, err := newBinding(typeID, reflect.TypeFor[T](), authz, methods)
	if err != nil {
		return nil, err
	}
	b.construct = func(ctx context.Context, s *Session) (any, error) {
		return ctor(ctx, s)
	}
	return b, nil
}

// NewInstanceBinding binds one instance shared by all sessions.
func NewInstanceBinding[T any](typeID string, instance T, authz Authorizer, methods ...MethodEntry) (*ClassBinding, error) {
	b, err := newBinding(typeID, reflect.TypeFor[T](), authz, methods)
	if err != nil {
		return nil, err
	}
	b.instance = instance
	return b, nil
}

func newBinding(typeID string, selfType reflect.Type, authz Authorizer, methods []MethodEntry) (*ClassBinding, error) {
	if typeID == "" || strings.HasPrefix(typeID, sharedPrefix) {
		return nil, fmt.Errorf("%w: bad type id %q", ErrInvalidBinding, typeID)
	}
	table, err := newMethodTable(selfType, methods)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", typeID, err)
	}
	return &ClassBinding{typeID: typeID, authorizer: authz, methods: table}, nil
}

func (b *ClassBinding) TypeID() string { return b.typeID }

// Shared reports whether this binding serves a single shared instance.
func (b *ClassBinding) Shared() bool { return b.construct == nil }

// SharedObjectID is the object id of the shared instance.
func (b *ClassBinding) SharedObjectID() string { return sharedPrefix + b.typeID }

// MethodNames returns the sorted method identifiers.
func (b *ClassBinding) MethodNames() []string { return b.methods.methodNames() }

// Ref is returned by a handler to hand the caller a reference to another
// server-side object instead of a value. TypeID must be bound. A nil Object
// refers to the shared instance of an instance binding.
type Ref struct {
	TypeID string
	Object any
}

// RefInfo is the value payload of a reply carrying a reference.
type RefInfo struct {
	TypeID   string `json:"type" cbor:"1,keyasint"`
	ObjectID string `json:"oid" cbor:"2,keyasint"`
}

var errUnboundType = errors.New("unknown type")
