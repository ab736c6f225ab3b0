package message

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyKind   = errors.New("message: kind must not be empty")
	ErrInvalidText = errors.New("message: kind and labels must be valid UTF-8")

	ErrDecode               = errors.New("decode error")
	ErrAuthenticationDenied = errors.New("authentication denied")
	ErrConstructionDenied   = errors.New("construction denied")
	ErrInvocationDenied     = errors.New("invocation denied")
	ErrExecution            = errors.New("execution error")
	ErrTimeout              = errors.New("operation timed out")
	ErrCanceled             = errors.New("operation canceled")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrSessionExpired       = errors.New("session expired")
)

// ErrorClass is the wire name of an error carried in a KindError message.
type ErrorClass string

const (
	ClassDecode               ErrorClass = "DecodeError"
	ClassAuthenticationDenied ErrorClass = "AuthenticationDenied"
	ClassConstructionDenied   ErrorClass = "ConstructionDenied"
	ClassInvocationDenied     ErrorClass = "InvocationDenied"
	ClassExecution            ErrorClass = "ExecutionError"
	ClassCapacityExceeded     ErrorClass = "CapacityExceeded"
	ClassSessionExpired       ErrorClass = "SessionExpired"
)

var classErrors = map[ErrorClass]error{
	ClassDecode:               ErrDecode,
	ClassAuthenticationDenied: ErrAuthenticationDenied,
	ClassConstructionDenied:   ErrConstructionDenied,
	ClassInvocationDenied:     ErrInvocationDenied,
	ClassExecution:            ErrExecution,
	ClassCapacityExceeded:     ErrCapacityExceeded,
	ClassSessionExpired:       ErrSessionExpired,
}

// Sentinel returns the sentinel error for a class, or ErrExecution for
// classes this build does not know.
func (c ErrorClass) Sentinel() error {
	if err, ok := classErrors[c]; ok {
		return err
	}
	return ErrExecution
}

// RemoteError is an error reported by the other side of an exchange.
type RemoteError struct {
	Class  ErrorClass
	Kind   string // offending kind, may be empty
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s): %s", e.Class, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Detail)
}

// Unwrap lets errors.Is match the class sentinel.
func (e *RemoteError) Unwrap() error { return e.Class.Sentinel() }

// NewError builds a KindError message. corr and kind are optional.
func NewError(class ErrorClass, detail, corr, kind string) Message {
	labels := map[string]string{LabelClass: string(class)}
	if corr != "" {
		labels[LabelCorrelation] = corr
	}
	if kind != "" {
		labels[LabelKind] = kind
	}
	return MustNew(KindError, []byte(detail), labels)
}

// AsError converts a KindError, KindAuthFailed or KindSessionExpired message
// into a *RemoteError. It returns nil for any other kind.
func AsError(m Message) error {
	switch m.kind {
	case KindError:
		return &RemoteError{
			Class:  ErrorClass(m.labels[LabelClass]),
			Kind:   m.labels[LabelKind],
			Detail: string(m.payload),
		}
	case KindAuthFailed:
		return &RemoteError{Class: ClassAuthenticationDenied, Detail: string(m.payload)}
	case KindSessionExpired:
		return &RemoteError{Class: ClassSessionExpired, Detail: string(m.payload)}
	}
	return nil
}
