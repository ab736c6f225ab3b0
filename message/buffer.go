package message

import "fmt"

// OverflowPolicy decides what a full Buffer does with a new message.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the buffer to make room. The push always
	// succeeds and the eviction is counted in Dropped.
	DropOldest OverflowPolicy = iota
	// Reject refuses the new message with ErrCapacityExceeded and leaves the
	// buffer untouched.
	Reject
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy parses the configuration name of a policy.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch name {
	case "", "drop_oldest":
		return DropOldest, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown overflow policy: %q", name)
}

// Buffer is a bounded FIFO of messages. It is not safe for concurrent use;
// owners guard it with their own lock.
type Buffer struct {
	items   []Message
	max     int
	policy  OverflowPolicy
	dropped uint64
}

// NewBuffer returns a Buffer holding at most max messages. max <= 0 means
// unbounded.
func NewBuffer(max int, policy OverflowPolicy) *Buffer {
	return &Buffer{max: max, policy: policy}
}

// Push appends m. It reports whether an older message was evicted.
func (b *Buffer) Push(m Message) (evicted bool, err error) {
	if b.max > 0 && len(b.items) >= b.max {
		if b.policy == Reject {
			return false, fmt.Errorf("%w: buffer holds %d messages", ErrCapacityExceeded, b.max)
		}
		b.items[0] = Message{}
		b.items = b.items[1:]
		b.dropped++
		evicted = true
	}
	b.items = append(b.items, m)
	return evicted, nil
}

// Pop removes and returns the oldest message.
func (b *Buffer) Pop() (Message, bool) {
	if len(b.items) == 0 {
		return Message{}, false
	}
	m := b.items[0]
	b.items[0] = Message{}
	b.items = b.items[1:]
	return m, true
}

// Drain removes and returns every message in FIFO order.
func (b *Buffer) Drain() []Message {
	out := b.items
	b.items = nil
	return out
}

// Snapshot returns a copy of the buffered messages without removing them.
func (b *Buffer) Snapshot() []Message {
	return append([]Message(nil), b.items...)
}

func (b *Buffer) Len() int { return len(b.items) }

func (b *Buffer) Cap() int { return b.max }

// Dropped is the number of messages evicted by DropOldest so far.
func (b *Buffer) Dropped() uint64 { return b.dropped }

// SetLimit changes the bound. Shrinking below the current length evicts the
// oldest messages regardless of policy.
func (b *Buffer) SetLimit(max int) {
	b.max = max
	if max > 0 && len(b.items) > max {
		n := len(b.items) - max
		clear(b.items[:n])
		b.items = b.items[n:]
		b.dropped += uint64(n)
	}
}

// Clear discards all buffered messages. Cleared messages are not counted as
// dropped.
func (b *Buffer) Clear() {
	clear(b.items)
	b.items = nil
}
