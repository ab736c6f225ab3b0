package message

import "strings"

// Reserved kinds. Everything starting with SystemPrefix is owned by the hub
// and the client runtime; applications must not publish these kinds.
const (
	SystemPrefix = "_"

	KindConstruct      = "_construct"       // create (or attach to) a remote object
	KindInvoke         = "_invoke"          // call a method on a remote object
	KindSignature      = "_signature"       // fetch the method table of a bound type
	KindRelease        = "_release"         // drop a remote object from the session
	KindResult         = "_result"          // successful reply to one of the above
	KindError          = "_error"           // failed reply, see LabelClass
	KindAuthFailed     = "_auth_failed"     // authenticator denied the exchange
	KindSessionExpired = "_session_expired" // presented session id is gone and resumption is disabled
)

// Reserved label keys.
const (
	LabelType        = "type"   // bound type identifier
	LabelObject      = "oid"    // remote object id
	LabelMethod      = "method" // method identifier
	LabelCorrelation = "corr"   // correlation token pairing a reply with its request
	LabelClass       = "class"  // ErrorClass of a KindError message
	LabelKind        = "kind"   // offending kind on a KindError message
	LabelRef         = "ref"    // set on a KindResult whose payload is a remote reference
)

// Wildcard is the observer kind matching every message.
const Wildcard = "*"

// IsSystemKind reports whether kind is reserved.
func IsSystemKind(kind string) bool {
	return strings.HasPrefix(kind, SystemPrefix)
}

// IsInvocationKind reports whether kind is routed to invocation dispatch
// instead of observers.
func IsInvocationKind(kind string) bool {
	switch kind {
	case KindConstruct, KindInvoke, KindSignature, KindRelease:
		return true
	}
	return false
}

// Correlation returns the correlation label, if any.
func (m Message) Correlation() string {
	return m.labels[LabelCorrelation]
}
