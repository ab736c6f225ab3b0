// Package message defines the unit of communication exchanged between a client
// and the hub.
//
// A Message is immutable once constructed: the constructor copies the labels and
// payload it is given, and every accessor hands out a copy. Passing a Message by
// value is therefore always safe, and a Message may be shared between goroutines
// without locking.
//
//	┌──────────────┬─────────────────────────┬───────────┬───────────┐
//	│ kind         │ labels                  │ payload   │ createdAt │
//	│ "chat.post"  │ {"room": "lobby", ...}  │ []byte    │ time.Time │
//	└──────────────┴─────────────────────────┴───────────┴───────────┘
//
// Kind is the publish/subscribe routing key. Kinds starting with an underscore
// are reserved for the system (remote invocation, results, errors).
package message

import (
	"fmt"
	"maps"
	"sort"
	"time"
	"unicode/utf8"
)

// Message carries one logical unit of data between client and hub.
type Message struct {
	kind      string
	labels    map[string]string
	payload   []byte
	createdAt time.Time
}

// New creates a Message stamped with the current time.
func New(kind string, payload []byte, labels map[string]string) (Message, error) {
	return NewAt(kind, payload, labels, time.Now())
}

// NewAt creates a Message with an explicit creation time. Decoders use it to
// restore the sender's timestamp. The kind and every label key and value must
// be valid UTF-8.
func NewAt(kind string, payload []byte, labels map[string]string, createdAt time.Time) (Message, error) {
	if kind == "" {
		return Message{}, ErrEmptyKind
	}
	if !utf8.ValidString(kind) {
		return Message{}, fmt.Errorf("%w: kind %q", ErrInvalidText, kind)
	}
	for k, v := range labels {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return Message{}, fmt.Errorf("%w: label %q=%q", ErrInvalidText, k, v)
		}
	}
	m := Message{
		kind:      kind,
		labels:    maps.Clone(labels),
		createdAt: createdAt,
	}
	if m.labels == nil {
		m.labels = map[string]string{}
	}
	if len(payload) > 0 {
		m.payload = append([]byte(nil), payload...)
	}
	return m, nil
}

// MustNew is like New but panics on an invalid kind or label. Intended for
// package-level fixtures and system messages with constant kinds.
func MustNew(kind string, payload []byte, labels map[string]string) Message {
	m, err := New(kind, payload, labels)
	if err != nil {
		panic(err)
	}
	return m
}

// Kind returns the routing key.
func (m Message) Kind() string { return m.kind }

// Labels returns a copy of the label map.
func (m Message) Labels() map[string]string { return maps.Clone(m.labels) }

// Label returns a single label value.
func (m Message) Label(key string) (string, bool) {
	v, ok := m.labels[key]
	return v, ok
}

// LabelKeys returns the label keys in sorted order.
func (m Message) LabelKeys() []string {
	keys := make([]string, 0, len(m.labels))
	for k := range m.labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Payload returns a copy of the payload bytes.
func (m Message) Payload() []byte {
	if m.payload == nil {
		return nil
	}
	return append([]byte(nil), m.payload...)
}

// PayloadSize returns the payload length without copying it.
func (m Message) PayloadSize() int { return len(m.payload) }

// CreatedAt returns the construction timestamp.
func (m Message) CreatedAt() time.Time { return m.createdAt }

// IsZero reports whether m was never constructed.
func (m Message) IsZero() bool { return m.kind == "" }

// IsSystem reports whether the kind is reserved for the system.
func (m Message) IsSystem() bool { return IsSystemKind(m.kind) }

// With returns a copy of m carrying one extra label. The creation time is kept.
func (m Message) With(key, value string) Message {
	out := Message{
		kind:      m.kind,
		labels:    maps.Clone(m.labels),
		payload:   m.payload,
		createdAt: m.createdAt,
	}
	if out.labels == nil {
		out.labels = map[string]string{}
	}
	out.labels[key] = value
	return out
}

// Equal reports whether two messages carry the same kind, labels, payload and
// creation instant.
func (m Message) Equal(o Message) bool {
	if m.kind != o.kind || !m.createdAt.Equal(o.createdAt) {
		return false
	}
	if string(m.payload) != string(o.payload) {
		return false
	}
	return maps.Equal(m.labels, o.labels)
}

// Meta is the payload-free description of a Message as it travels in an
// envelope's metadata block. Size is the payload length in the envelope's raw
// contents.
type Meta struct {
	Kind      string            `json:"kind" cbor:"1,keyasint"`
	Labels    map[string]string `json:"labels,omitempty" cbor:"2,keyasint,omitempty"`
	Size      uint32            `json:"size" cbor:"3,keyasint"`
	CreatedAt int64             `json:"created_at" cbor:"4,keyasint"` // unix nanoseconds
}

// Meta returns the metadata of m.
func (m Message) Meta() Meta {
	return Meta{
		Kind:      m.kind,
		Labels:    maps.Clone(m.labels),
		Size:      uint32(len(m.payload)),
		CreatedAt: m.createdAt.UnixNano(),
	}
}

// FromMeta rebuilds a Message from its metadata and payload slice.
func FromMeta(meta Meta, payload []byte) (Message, error) {
	return NewAt(meta.Kind, payload, meta.Labels, time.Unix(0, meta.CreatedAt))
}
