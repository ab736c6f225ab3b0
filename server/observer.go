package server

import (
	"context"
	"push-rpc/message"
)

// Observer handles a routed message. Returned messages are appended to the
// exchange's response. An error (or panic) is reported to the client as an
// ExecutionError tagged with the message kind; routing continues.
type Observer func(ctx context.Context, msg message.Message, s *Session) ([]message.Message, error)

// NewSessionCallback runs once for every newly created session, before the
// session's first exchange is routed.
type NewSessionCallback func(ctx context.Context, s *Session)

// observerEntry is one registration. owner is any comparable identity; removal
// matches on (owner, kind).
type observerEntry struct {
	owner any
	kind  string
	fn    Observer
}

type newSessionEntry struct {
	owner any
	fn    NewSessionCallback
}

func removeEntries(entries []observerEntry, owner any) ([]observerEntry, int) {
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.owner == owner {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(entries[len(kept):])
	return kept, removed
}
