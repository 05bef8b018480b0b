// Package filter evaluates a user-supplied JavaScript predicate against
// provenance records before emission, so deployments can suppress known
// noise without rebuilding the daemon.
package filter

import (
	"os"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
)

// RecordFilter wraps a compiled script exposing `accept(record) bool`.
// Records the predicate rejects are not emitted. Evaluation is serialised;
// the driver is single-threaded so contention only arises at shutdown.
type RecordFilter struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	accept goja.Callable
}

// Load compiles the script at path and resolves its accept function.
func Load(path string) (*RecordFilter, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("filter", errs.KindConfig,
			errs.WithMessage("unreadable filter script"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return Compile(string(src))
}

// Compile builds a filter from script source.
func Compile(src string) (*RecordFilter, error) {
	vm := goja.New()
	if _, err := vm.RunString(src); err != nil {
		return nil, errs.New("filter", errs.KindConfig,
			errs.WithMessage("filter script failed to evaluate"),
			errs.WithCause(err))
	}
	acceptValue := vm.Get("accept")
	accept, ok := goja.AssertFunction(acceptValue)
	if !ok {
		return nil, errs.New("filter", errs.KindConfig,
			errs.WithMessage("filter script must define accept(record)"))
	}
	return &RecordFilter{vm: vm, accept: accept}, nil
}

// Accept evaluates the predicate on a serialised record. Script errors count
// as acceptance so a broken filter never silences anomalies.
func (f *RecordFilter) Accept(record json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var doc map[string]any
	if err := json.Unmarshal(record, &doc); err != nil {
		return true, errs.New("filter", errs.KindInvalidInput, errs.WithCause(err))
	}
	result, err := f.accept(goja.Undefined(), f.vm.ToValue(doc))
	if err != nil {
		return true, errs.New("filter", errs.KindInternal,
			errs.WithMessage("filter evaluation failed"),
			errs.WithCause(err))
	}
	return result.ToBoolean(), nil
}

// Apply filters a record slice, returning the accepted records and the count
// rejected.
func (f *RecordFilter) Apply(records []json.RawMessage) ([]json.RawMessage, int, error) {
	if f == nil {
		return records, 0, nil
	}
	kept := make([]json.RawMessage, 0, len(records))
	rejected := 0
	for _, r := range records {
		ok, err := f.Accept(r)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			kept = append(kept, r)
		} else {
			rejected++
		}
	}
	return kept, rejected, nil
}
