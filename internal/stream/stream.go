// Package stream defines the consumed trace-stream interface: begin/end step
// semantics with timeout, per-step typed integer arrays, and the attribute
// dictionary. Concrete transports (file-backed steps, in-memory fixtures)
// implement Reader.
package stream

import (
	"context"
	"time"
)

// Fixed column layouts of the per-step integer arrays.
const (
	// Function event columns.
	FuncColProgram = 0
	FuncColRank    = 1
	FuncColThread  = 2
	FuncColType    = 3
	FuncColFuncID  = 4
	FuncColTime    = 5
	// FuncRecordLen is the number of columns in a function event record.
	FuncRecordLen = 6

	// Communication event columns.
	CommColProgram = 0
	CommColRank    = 1
	CommColThread  = 2
	CommColType    = 3
	CommColTag     = 4
	CommColPartner = 5
	CommColBytes   = 6
	CommColTime    = 7
	// CommRecordLen is the number of columns in a communication record.
	CommRecordLen = 8

	// Counter event columns.
	CounterColProgram = 0
	CounterColRank    = 1
	CounterColThread  = 2
	CounterColID      = 3
	CounterColValue   = 4
	CounterColTime    = 5
	// CounterRecordLen is the number of columns in a counter record.
	CounterRecordLen = 6
)

// Attributes carries the grow-only id→name mappings delivered alongside the
// event arrays.
type Attributes struct {
	Timers     map[uint64]string
	EventTypes map[uint64]string
	Counters   map[uint64]string
}

// NewAttributes returns an empty attribute table.
func NewAttributes() Attributes {
	return Attributes{
		Timers:     make(map[uint64]string),
		EventTypes: make(map[uint64]string),
		Counters:   make(map[uint64]string),
	}
}

// MergeFrom folds new entries into the table. Existing entries are never
// removed or rewritten; the mappings only grow.
func (a Attributes) MergeFrom(o Attributes) {
	for k, v := range o.Timers {
		if _, ok := a.Timers[k]; !ok {
			a.Timers[k] = v
		}
	}
	for k, v := range o.EventTypes {
		if _, ok := a.EventTypes[k]; !ok {
			a.EventTypes[k] = v
		}
	}
	for k, v := range o.Counters {
		if _, ok := a.Counters[k]; !ok {
			a.Counters[k] = v
		}
	}
}

// Metadata is one key/value attribute bound to a rank and thread, such as the
// GPU device and context bindings consumed by the metadata registry.
type Metadata struct {
	Rank   uint64 `json:"rid"`
	Thread uint64 `json:"tid"`
	Key    string `json:"descr"`
	Value  string `json:"value"`
}

// StepData is the payload of one trace step: three typed integer arrays plus
// the attribute and metadata entries first seen this step.
type StepData struct {
	Step        int
	FuncData    [][]uint64
	CommData    [][]uint64
	CounterData [][]uint64
	Attributes  Attributes
	Metadata    []Metadata
}

// Reader is the consumed trace-stream transport.
type Reader interface {
	// BeginStep blocks until the next step opens or the timeout expires.
	// A timeout or stream end returns an error of kind FatalIO; the driver
	// treats it as a clean end of stream.
	BeginStep(ctx context.Context, timeout time.Duration) (int, error)
	// Fetch retrieves the open step's data. EndStep must not have been
	// called for the step yet.
	Fetch() (StepData, error)
	// EndStep releases the step buffer; Fetch results remain valid.
	EndStep() error
	// Close releases the transport.
	Close() error
}
