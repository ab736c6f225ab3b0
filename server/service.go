package server

import (
	"context"
	"errors"
	"fmt"
	"push-rpc/codec"
	"reflect"
	"slices"
	"sort"
)

// MethodEntry is one row of a binding's method table. Build it with Method.
type MethodEntry struct {
	name     string
	selfType reflect.Type
	call     func(ctx context.Context, self any, args []byte, vc codec.Codec) (any, error)
}

func (m MethodEntry) Name() string { return m.name }

// Method builds a strongly typed method table entry. The handler receives the
// bound object as self and the decoded arguments; it returns a value that is
// encoded with the frame's value codec, or a Ref to hand back another object.
//
//	server.Method("Add", func(ctx context.Context, c *Calc, a AddArgs) (int, error) {
//		return a.X + a.Y, nil
//	})
func Method[T, A, R any](name string, fn func(ctx context.Context, self T, args A) (R, error)) MethodEntry {
	e := MethodEntry{name: name, selfType: reflect.TypeFor[T]()}
	if fn == nil {
		return e
	}
	e.call = func(ctx context.Context, self any, raw []byte, vc codec.Codec) (any, error) {
		obj, ok := self.(T)
		if !ok {
			return nil, fmt.Errorf("method %s: receiver is %T, want %v", name, self, e.selfType)
		}
		var args A
		if len(raw) > 0 {
			if err := vc.Decode(raw, &args); err != nil {
				return nil, fmt.Errorf("method %s: decoding arguments: %w", name, err)
			}
		}
		return fn(ctx, obj, args)
	}
	return e
}

var (
	ErrInvalidBinding = errors.New("server: invalid binding")
	ErrUnknownMethod  = errors.New("server: unknown method")
)

// methodTable validates entries once at bind time: non-empty unique names,
// non-nil handlers, and a receiver type matching the bound object.
type methodTable struct {
	byName map[string]MethodEntry
	names  []string
}

func newMethodTable(selfType reflect.Type, entries []MethodEntry) (*methodTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no methods", ErrInvalidBinding)
	}
	t := &methodTable{byName: make(map[string]MethodEntry, len(entries))}
	for _, e := range entries {
		if e.name == "" {
			return nil, fmt.Errorf("%w: method with empty name", ErrInvalidBinding)
		}
		if e.call == nil {
			return nil, fmt.Errorf("%w: method %s has no handler", ErrInvalidBinding, e.name)
		}
		if e.selfType != selfType {
			return nil, fmt.Errorf("%w: method %s takes %v, binding holds %v", ErrInvalidBinding, e.name, e.selfType, selfType)
		}
		if _, dup := t.byName[e.name]; dup {
			return nil, fmt.Errorf("%w: duplicate method %s", ErrInvalidBinding, e.name)
		}
		t.byName[e.name] = e
		t.names = append(t.names, e.name)
	}
	sort.Strings(t.names)
	return t, nil
}

func (t *methodTable) lookup(name string) (MethodEntry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

func (t *methodTable) methodNames() []string {
	return slices.Clone(t.names)
}
