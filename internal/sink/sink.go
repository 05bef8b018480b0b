// Package sink delivers provenance records to their destinations: a JSON
// file tree or a Postgres document store, behind an asynchronous worker pool
// so the driver never blocks on record delivery.
package sink

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Kind names a record stream.
type Kind string

const (
	// KindAnomalies carries anomaly provenance records.
	KindAnomalies Kind = "anomalies"
	// KindNormalExecs carries sampled normal-execution records.
	KindNormalExecs Kind = "normalexecs"
	// KindMetadata carries new metadata attributes.
	KindMetadata Kind = "metadata"
	// KindGlobalFuncStats carries global function statistics snapshots.
	KindGlobalFuncStats Kind = "global_funcstats"
	// KindCounterStats carries counter statistics snapshots.
	KindCounterStats Kind = "counterstats"
)

// Batch is one step's records of a single kind. Records within a batch are
// delivered in order; batches from different steps may interleave.
type Batch struct {
	Kind    Kind
	Step    int
	Records []json.RawMessage
}

// Store is a synchronous record destination.
type Store interface {
	Write(ctx context.Context, batch Batch) error
	Close() error
}

// Sink is the driver-facing asynchronous contract: Send returns immediately;
// Drain blocks until outstanding sends complete or the deadline expires.
type Sink interface {
	Send(batch Batch) error
	Drain(deadline time.Time) error
	Close() error
}

// MarshalRecords encodes a slice of documents for a batch.
func MarshalRecords[T any](records []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
