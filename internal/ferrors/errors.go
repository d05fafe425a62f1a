// Package ferrors defines the typed error kinds the forwarder raises at its
// handler boundaries. None of these ever escape as panics: every fallible
// operation returns one of these through a normal (T, error) signature.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for logging level and caller response selection.
type Kind int

const (
	// KindUnexpected is the catch-all for errors that don't fit another kind.
	KindUnexpected Kind = iota
	KindConfig
	KindBind
	KindAdmissionRejected
	KindNoHealthyBackend
	KindUpstreamTimeout
	KindUpstreamUnreachable
	KindUpstreamProtocol
	KindTLSHandshake
	KindCancelled
	KindAlreadyRunning
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindBind:
		return "BindError"
	case KindAdmissionRejected:
		return "AdmissionRejected"
	case KindNoHealthyBackend:
		return "NoHealthyBackend"
	case KindUpstreamTimeout:
		return "UpstreamTimeout"
	case KindUpstreamUnreachable:
		return "UpstreamUnreachable"
	case KindUpstreamProtocol:
		return "UpstreamProtocolError"
	case KindTLSHandshake:
		return "TlsHandshakeFailed"
	case KindCancelled:
		return "Cancelled"
	case KindAlreadyRunning:
		return "AlreadyRunning"
	default:
		return "Unexpected"
	}
}

// Error is the concrete error type carried through the forwarder. It wraps an
// optional underlying cause and keeps the Kind so callers can branch on it
// with errors.As without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ferrors.NoHealthyBackend) style sentinels below to
// match any *Error carrying the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel values for errors.Is comparisons against a fixed Kind, e.g.:
//
//	if errors.Is(err, ferrors.NoHealthyBackend) { ... }
var (
	ConfigErr             = &Error{Kind: KindConfig}
	BindErr               = &Error{Kind: KindBind}
	AdmissionRejected     = &Error{Kind: KindAdmissionRejected}
	NoHealthyBackend      = &Error{Kind: KindNoHealthyBackend}
	UpstreamTimeout       = &Error{Kind: KindUpstreamTimeout}
	UpstreamUnreachable   = &Error{Kind: KindUpstreamUnreachable}
	UpstreamProtocolError = &Error{Kind: KindUpstreamProtocol}
	TLSHandshakeFailed    = &Error{Kind: KindTLSHandshake}
	Cancelled             = &Error{Kind: KindCancelled}
	AlreadyRunning        = &Error{Kind: KindAlreadyRunning}
)

// Of reports whether err carries the given Kind, looking through wrapping.
func Of(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
