// Package apperr defines the typed failures shared by the runtime adapter, the
// registry client and the orchestration layers. Every failure carries a Kind,
// the Step that produced it and the underlying cause.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindNetwork   Kind = "network"
	KindAuth      Kind = "auth"
	KindRuntime   Kind = "runtime"
	KindNotFound  Kind = "not_found"
	KindConflict  Kind = "conflict"
	KindInvalid   Kind = "invalid"
	KindStorage   Kind = "storage"
	KindCancelled Kind = "cancelled"
)

// Step names the stage of an operation that failed.
type Step string

const (
	StepNone     Step = ""
	StepResolve  Step = "resolve"
	StepPull     Step = "pull"
	StepCreate   Step = "create"
	StepStart    Step = "start"
	StepStop     Step = "stop"
	StepRemove   Step = "remove"
	StepInspect  Step = "inspect"
	StepLoad     Step = "load"
	StepPersist  Step = "persist"
	StepManifest Step = "manifest"
)

// attributes holds the default behaviour of a kind.
type attributes struct {
	message   string
	retryable bool
	status    int
}

var defaults = map[Kind]attributes{
	KindUnknown:   {message: "unknown error", status: http.StatusInternalServerError},
	KindNetwork:   {message: "network error", retryable: true, status: http.StatusBadGateway},
	KindAuth:      {message: "authentication failed", status: http.StatusUnauthorized},
	KindRuntime:   {message: "container runtime error", status: http.StatusInternalServerError},
	KindNotFound:  {message: "not found", status: http.StatusNotFound},
	KindConflict:  {message: "conflict", status: http.StatusConflict},
	KindInvalid:   {message: "invalid argument", status: http.StatusBadRequest},
	KindStorage:   {message: "storage failure", status: http.StatusInternalServerError},
	KindCancelled: {message: "cancelled", status: http.StatusRequestTimeout},
}

// Sentinels for errors.Is comparisons. Matching is by kind only.
var (
	ErrNetwork   = &Error{kind: KindNetwork}
	ErrAuth      = &Error{kind: KindAuth}
	ErrRuntime   = &Error{kind: KindRuntime}
	ErrNotFound  = &Error{kind: KindNotFound}
	ErrConflict  = &Error{kind: KindConflict}
	ErrInvalid   = &Error{kind: KindInvalid}
	ErrStorage   = &Error{kind: KindStorage}
	ErrCancelled = &Error{kind: KindCancelled}
)

// Error is the typed failure.
type Error struct {
	kind      Kind
	step      Step
	message   string
	cause     error
	transient bool
}

// Option customizes an Error.
type Option func(*Error)

// WithStep records the failing step.
func WithStep(step Step) Option {
	return func(e *Error) {
		e.step = step
	}
}

// Transient marks a runtime error as safe to retry (engine busy, restarting).
func Transient() Option {
	return func(e *Error) {
		e.transient = true
	}
}

// New creates an Error without a cause.
func New(kind Kind, message string, opts ...Option) *Error {
	if message == "" {
		message = attrs(kind).message
	}
	e := &Error{kind: kind, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates an Error around cause. If cause already is an *Error and kind is
// KindUnknown, the existing kind and transient flag are kept.
func Wrap(kind Kind, cause error, message string, opts ...Option) *Error {
	if kind == KindUnknown {
		if inner, ok := From(cause); ok {
			kind = inner.kind
			if inner.transient {
				opts = append([]Option{Transient()}, opts...)
			}
			if inner.step != StepNone {
				opts = append([]Option{WithStep(inner.step)}, opts...)
			}
		}
	}
	e := New(kind, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := string(e.kind)
	if e.step != StepNone {
		prefix = string(e.step) + ": " + prefix
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return e.kind
}

// Step returns the failing step.
func (e *Error) Step() Step {
	if e == nil {
		return StepNone
	}
	return e.step
}

// Message returns the message without cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Retryable reports whether the failure may be retried automatically.
// Runtime failures are retryable only when marked transient.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.kind == KindRuntime {
		return e.transient
	}
	return attrs(e.kind).retryable
}

// From extracts the outermost *Error from err.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindUnknown
}

// StepOf returns the step recorded on err.
func StepOf(err error) Step {
	if e, ok := From(err); ok {
		return e.Step()
	}
	return StepNone
}

// IsKind reports whether err is a failure of kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may be retried automatically.
func Retryable(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// HTTPStatus maps err to the status code an API layer should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return attrs(KindOf(err)).status
}

func attrs(kind Kind) attributes {
	if a, ok := defaults[kind]; ok {
		return a
	}
	return defaults[KindUnknown]
}
