// Package errs provides structured error types and helpers for anomalyd services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies an error category with a fixed handling policy.
type Kind string

const (
	// KindInvalidInput indicates a malformed record, unknown attribute key, or
	// an Exit event mismatching the stack top. Counted and skipped.
	KindInvalidInput Kind = "invalid_input"
	// KindTransientIO indicates a sink send failure or an unreachable
	// parameter server. Counted; processing continues.
	KindTransientIO Kind = "transient_io"
	// KindFatalIO indicates a terminal trace-stream failure. Drains the
	// pipeline and exits cleanly.
	KindFatalIO Kind = "fatal_io"
	// KindConfig indicates an invalid configuration value at startup. Fatal.
	KindConfig Kind = "config"
	// KindInternal indicates an invariant violation.
	KindInternal Kind = "internal"
)

// E captures structured error information produced across the anomalyd stack.
type E struct {
	Component string
	Kind      Kind
	Message   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error kind.
func New(component string, kind Kind, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Kind:      kind,
		Message:   "",
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf classifies an error, unwrapping until an envelope is found.
// Unrecognised errors classify as KindInternal.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Recoverable reports whether processing of the containing step may continue
// after the error.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindTransientIO, KindInternal:
		return true
	default:
		return false
	}
}
