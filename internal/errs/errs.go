// Package errs defines the error kinds surfaced by the pool, store and
// instance packages so callers can branch on kind with errors.Is/As instead
// of matching message strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error raised by the core.
type Kind int

const (
	// KindConfig covers invalid configuration discovered at startup: unknown
	// engine, invalid model id, missing required source. Fatal.
	KindConfig Kind = iota
	// KindModelNotReady is returned when a request names a model whose
	// status is "preparing" or "error".
	KindModelNotReady
	// KindModelNotFound is returned when a request names an unconfigured model.
	KindModelNotFound
	// KindInstanceLoadError wraps a failure from the engine's CreateInstance.
	KindInstanceLoadError
	// KindEngineError wraps a failure raised by the engine during a task.
	KindEngineError
	// KindCancelled means the caller aborted before an instance was locked.
	KindCancelled
	// KindTimeout means the per-task deadline elapsed.
	KindTimeout
	// KindIllegalState covers programmer errors: locking a non-idle
	// instance, double-release, and similar invariant violations.
	KindIllegalState
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindModelNotReady:
		return "ModelNotReady"
	case KindModelNotFound:
		return "ModelNotFound"
	case KindInstanceLoadError:
		return "InstanceLoadError"
	case KindEngineError:
		return "EngineError"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	case KindIllegalState:
		return "IllegalState"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type returned by the core packages.
type Error struct {
	Kind    Kind
	Model   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Model != "" {
		prefix = fmt.Sprintf("%s(%s)", prefix, e.Model)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.Cancelled) style checks against a sentinel
// built from New with a nil wrapped error, by comparing Kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, model, message string) *Error {
	return &Error{Kind: kind, Model: model, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, model, message string, err error) *Error {
	return &Error{Kind: kind, Model: model, Message: message, Err: err}
}

// OfKind reports whether err (or something it wraps) is an *Error of kind k.
func OfKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Sentinels usable with errors.Is(err, errs.Cancelled) etc. — Kind-only match.
var (
	Cancelled    = &Error{Kind: KindCancelled}
	Timeout      = &Error{Kind: KindTimeout}
	IllegalState = &Error{Kind: KindIllegalState}
)
