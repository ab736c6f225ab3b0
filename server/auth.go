package server

import (
	"context"
	"net/http"
)

// RequestContext is what the transport knows about an exchange.
type RequestContext struct {
	RemoteAddr string
	// SessionID is the id the client presented, possibly stale or empty.
	SessionID string
	Header    http.Header
}

// Authenticator decides whether a request may establish a session. s is the
// candidate session; it is registered only if Authenticate returns true, so
// implementations may seed its state store.
type Authenticator interface {
	Authenticate(ctx context.Context, rc RequestContext, s *Session) bool
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, rc RequestContext, s *Session) bool

func (f AuthenticatorFunc) Authenticate(ctx context.Context, rc RequestContext, s *Session) bool {
	return f(ctx, rc, s)
}

// Authorizer gates remote construction and invocation. Both checks must
// approve explicitly; a binding without an Authorizer denies everything.
type Authorizer interface {
	AuthorizeConstruction(typeID string, s *Session) bool
	AuthorizeInvocation(typeID string, instance any, method string, s *Session) bool
}

// AllowAll approves every construction and invocation.
var AllowAll Authorizer = allowAll{}

type allowAll struct{}

func (allowAll) AuthorizeConstruction(string, *Session) bool           { return true }
func (allowAll) AuthorizeInvocation(string, any, string, *Session) bool { return true }

// AuthorizerFuncs builds an Authorizer from two functions. A nil function
// denies.
type AuthorizerFuncs struct {
	Construction func(typeID string, s *Session) bool
	Invocation   func(typeID string, instance any, method string, s *Session) bool
}

func (a AuthorizerFuncs) AuthorizeConstruction(typeID string, s *Session) bool {
	return a.Construction != nil && a.Construction(typeID, s)
}

func (a AuthorizerFuncs) AuthorizeInvocation(typeID string, instance any, method string, s *Session) bool {
	return a.Invocation != nil && a.Invocation(typeID, instance, method, s)
}

// authorize runs check and treats a nil authorizer or a panic as denial.
func authorize(authz Authorizer, check func(Authorizer) bool) (ok bool) {
	if authz == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return check(authz)
}
