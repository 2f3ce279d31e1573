package synth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures.
type ErrorKind int

const (
	// KindUnknown is never produced by the engine; it is the zero value.
	KindUnknown ErrorKind = iota

	// InvalidArgument: the input was rejected before a session started.
	InvalidArgument

	// ServiceDisabled: synthesis is switched off in the current parameters.
	ServiceDisabled

	// Busy: another session is active.
	Busy

	// ConnectionError: the upstream socket could not be opened or was lost.
	ConnectionError

	// UpstreamError: the upstream sent an explicit failure event.
	UpstreamError

	// ClassificationError: an inbound frame could not be interpreted.
	ClassificationError

	// Cancelled: the session was stopped or its caller went away.
	Cancelled
)

// String returns the snake_case name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case ServiceDisabled:
		return "service_disabled"
	case Busy:
		return "busy"
	case ConnectionError:
		return "connection_error"
	case UpstreamError:
		return "upstream_error"
	case ClassificationError:
		return "classification_error"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// description is the user-visible fallback when no detail is available.
func (k ErrorKind) description() string {
	switch k {
	case InvalidArgument:
		return "invalid synthesis request"
	case ServiceDisabled:
		return "speech synthesis is disabled"
	case Busy:
		return "a synthesis session is already in progress"
	case ConnectionError:
		return "connection to the synthesis service failed"
	case UpstreamError:
		return "the synthesis service reported a failure"
	case ClassificationError:
		return "the synthesis service sent an unreadable response"
	case Cancelled:
		return "synthesis was cancelled"
	default:
		return "synthesis failed"
	}
}

// Sentinel errors, one per kind. An [*Error] matches the sentinel of its kind
// under [errors.Is].
var (
	ErrInvalidArgument = errors.New("synth: invalid argument")
	ErrServiceDisabled = errors.New("synth: service disabled")
	ErrBusy            = errors.New("synth: busy")
	ErrConnection      = errors.New("synth: connection error")
	ErrUpstream        = errors.New("synth: upstream error")
	ErrClassification  = errors.New("synth: classification error")
	ErrCancelled       = errors.New("synth: cancelled")
	errUnknown         = errors.New("synth: unknown error")
)

var kindSentinels = map[ErrorKind]error{
	InvalidArgument:     ErrInvalidArgument,
	ServiceDisabled:     ErrServiceDisabled,
	Busy:                ErrBusy,
	ConnectionError:     ErrConnection,
	UpstreamError:       ErrUpstream,
	ClassificationError: ErrClassification,
	Cancelled:           ErrCancelled,
}

// ErrStopped is the cancellation cause recorded when [Engine.Stop] ends a session.
var ErrStopped = errors.New("synth: session stopped")

// ErrAborted is wrapped around upstream errors that occurred only because
// the session's context ended, such as a dial interrupted by [Engine.Stop].
// Such an outcome says nothing about upstream health; a [DialGuard] should
// count it as neither success nor failure.
var ErrAborted = errors.New("synth: aborted by cancellation")

// ErrClosed is returned (wrapped) by [Conn.Recv] when the upstream closed the
// connection.
var ErrClosed = errors.New("synth: upstream connection closed")

// Error is the error type returned by the engine.
type Error struct {
	Kind ErrorKind

	// Message is the detail shown to users. For upstream failures it is the
	// message the upstream provided.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("synth: %s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("synth: %s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("synth: %s: %v", e.Kind, e.Err)
	default:
		return "synth: " + e.Kind.String()
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	if !ok {
		return target == errUnknown
	}
	return target == s
}

// UserMessage returns the upstream-provided message when there is one, else a
// generic description of the failure kind.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.description()
}

// KindOf returns the [ErrorKind] carried by err, or KindUnknown. Bare
// sentinels map to their own kind.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// UserMessage returns the user-visible message for err.
func UserMessage(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.UserMessage()
	}
	if err == nil {
		return ""
	}
	return KindUnknown.description()
}
