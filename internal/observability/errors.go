package observability

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// AggregateErrors joins multiple errors, emits a structured log entry, and returns an aggregated error.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	joined := errors.Join(filtered...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}

// ErrorLog counts and records recoverable errors per rank. Processing
// continues after each recorded error; the counts surface in the shutdown
// summary and in metrics.
type ErrorLog struct {
	mu       sync.Mutex
	counts   map[string]uint64
	total    atomic.Uint64
	observer func()
}

// NewErrorLog constructs an empty recoverable-error log.
func NewErrorLog() *ErrorLog {
	return &ErrorLog{counts: make(map[string]uint64)}
}

// SetObserver registers a callback invoked on every recorded error, used to
// feed metrics counters.
func (l *ErrorLog) SetObserver(fn func()) {
	l.mu.Lock()
	l.observer = fn
	l.mu.Unlock()
}

// Record logs the error under the given component and increments its count.
func (l *ErrorLog) Record(component string, err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.counts[component]++
	observer := l.observer
	l.mu.Unlock()
	l.total.Add(1)
	if observer != nil {
		observer()
	}
	Log().Error("recoverable error", Field{Key: "component", Value: component}, Field{Key: "error", Value: err.Error()})
}

// Total returns the number of recoverable errors recorded so far.
func (l *ErrorLog) Total() uint64 { return l.total.Load() }

// Counts returns a copy of the per-component error counts.
func (l *ErrorLog) Counts() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}
