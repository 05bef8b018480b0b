package stream

import (
	"context"
	"sync"
	"time"

	"github.com/perfstream/anomalyd/errs"
)

// MemoryReader replays a fixed sequence of steps. It backs unit tests.
type MemoryReader struct {
	mu      sync.Mutex
	steps   []StepData
	next    int
	open    bool
	fetched StepData
	closed  bool
}

// NewMemoryReader constructs a reader over the given steps.
func NewMemoryReader(steps []StepData) *MemoryReader {
	return &MemoryReader{steps: steps}
}

// BeginStep opens the next step, or reports end of stream.
func (r *MemoryReader) BeginStep(ctx context.Context, _ time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.New("stream/memory", errs.KindFatalIO, errs.WithCause(err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.next >= len(r.steps) {
		return 0, errs.New("stream/memory", errs.KindFatalIO, errs.WithMessage("end of stream"))
	}
	r.fetched = r.steps[r.next]
	r.next++
	r.open = true
	return r.fetched.Step, nil
}

// Fetch returns the open step's data.
func (r *MemoryReader) Fetch() (StepData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return StepData{}, errs.New("stream/memory", errs.KindInternal, errs.WithMessage("fetch outside open step"))
	}
	return r.fetched, nil
}

// EndStep closes the open step.
func (r *MemoryReader) EndStep() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	return nil
}

// Close terminates the stream.
func (r *MemoryReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
