package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/observability"
)

// AsyncConfig sizes the asynchronous delivery pool.
type AsyncConfig struct {
	Workers   int
	QueueSize int
}

func (c AsyncConfig) normalize() AsyncConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// AsyncSink drains a queue of batches onto the underlying stores with a
// fixed-size worker pool. Each batch is one task, so record order within a
// step is preserved; batches across steps may interleave. Delivery failures
// are logged and the batch is dropped: the sink is best effort.
type AsyncSink struct {
	stores []Store
	queue  chan Batch
	pool   *pool.Pool

	mu       sync.Mutex
	inflight int
	idle     *sync.Cond

	closeOnce sync.Once
	done      chan struct{}

	errorLog *observability.ErrorLog
}

// NewAsyncSink starts the worker pool over the given stores.
func NewAsyncSink(cfg AsyncConfig, errorLog *observability.ErrorLog, stores ...Store) *AsyncSink {
	cfg = cfg.normalize()
	s := &AsyncSink{
		stores:   stores,
		queue:    make(chan Batch, cfg.QueueSize),
		pool:     pool.New().WithMaxGoroutines(cfg.Workers),
		done:     make(chan struct{}),
		errorLog: errorLog,
	}
	s.idle = sync.NewCond(&s.mu)
	go s.dispatch()
	return s
}

func (s *AsyncSink) dispatch() {
	defer close(s.done)
	for batch := range s.queue {
		b := batch
		s.pool.Go(func() {
			defer s.finish()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, store := range s.stores {
				if err := store.Write(ctx, b); err != nil {
					if s.errorLog != nil {
						s.errorLog.Record("sink", err)
					} else {
						observability.Log().Error("provenance delivery failed",
							observability.Field{Key: "kind", Value: string(b.Kind)},
							observability.Field{Key: "step", Value: b.Step},
							observability.Field{Key: "error", Value: err.Error()})
					}
				}
			}
		})
	}
	s.pool.Wait()
}

func (s *AsyncSink) finish() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

// Send enqueues a batch and returns immediately. The batch's record slice is
// queued as is, not copied.
func (s *AsyncSink) Send(batch Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	select {
	case s.queue <- batch:
		return nil
	default:
		s.finish()
		return errs.New("sink/async", errs.KindTransientIO,
			errs.WithMessage("sink queue full, batch dropped"),
			errs.WithField("kind", string(batch.Kind)))
	}
}

// Drain blocks until all outstanding batches are delivered or the deadline
// expires.
func (s *AsyncSink) Drain(deadline time.Time) error {
	timeout := time.AfterFunc(time.Until(deadline), func() {
		s.mu.Lock()
		s.idle.Broadcast()
		s.mu.Unlock()
	})
	defer timeout.Stop()

	s.mu.Lock()
	for s.inflight > 0 && time.Now().Before(deadline) {
		s.idle.Wait()
	}
	remaining := s.inflight
	s.mu.Unlock()
	if remaining > 0 {
		return errs.New("sink/async", errs.KindTransientIO,
			errs.WithMessage("drain deadline expired with batches outstanding"))
	}
	return nil
}

// Pending reports the batches not yet delivered.
func (s *AsyncSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Close stops accepting batches, waits for the queue to drain, and closes
// the stores.
func (s *AsyncSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
		for _, store := range s.stores {
			if err := store.Close(); err != nil {
				observability.Log().Error("store close failed",
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	})
	return nil
}
