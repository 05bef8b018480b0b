// Package provenance assembles the enriched records emitted for anomalous
// (and sampled normal) executions: call stack, execution window, counters,
// GPU context and the model's statistics snapshot.
package provenance

import (
	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/internal/counters"
	"github.com/perfstream/anomalyd/internal/metadata"
	"github.com/perfstream/anomalyd/internal/schema"
)

// Frame is one call-stack entry, innermost first, ending at the synthetic
// root.
type Frame struct {
	FuncID    uint64 `json:"fid"`
	Func      string `json:"func"`
	Entry     uint64 `json:"entry"`
	Exit      uint64 `json:"exit"`
	EventID   string `json:"event_id"`
	IsAnomaly bool   `json:"is_anomaly"`
}

// WindowEntry is one execution in the surrounding call window.
type WindowEntry struct {
	FuncID    uint64 `json:"fid"`
	Func      string `json:"func"`
	EventID   string `json:"event_id"`
	Entry     uint64 `json:"entry"`
	Exit      uint64 `json:"exit"` // 0 when the execution has not exited
	ParentID  string `json:"parent_event_id"`
	IsAnomaly bool   `json:"is_anomaly"`
}

// Window captures the executions around the flagged one and their messages.
type Window struct {
	ExecWindow []WindowEntry    `json:"exec_window"`
	CommWindow []schema.Message `json:"comm_window"`
}

// GPUParent describes the CPU-side execution that launched a GPU execution.
type GPUParent struct {
	EventID   string  `json:"event_id"`
	Thread    uint64  `json:"tid"`
	CallStack []Frame `json:"call_stack,omitempty"`
}

// Record is the provenance document for one execution.
type Record struct {
	Program          uint64                  `json:"pid"`
	Rank             uint64                  `json:"rid"`
	Thread           uint64                  `json:"tid"`
	EventID          string                  `json:"event_id"`
	FuncID           uint64                  `json:"fid"`
	Func             string                  `json:"func"`
	Entry            uint64                  `json:"entry"`
	Exit             uint64                  `json:"exit"`
	RuntimeTotal     uint64                  `json:"runtime_total"`
	RuntimeExclusive uint64                  `json:"runtime_exclusive"`
	Label            string                  `json:"label"`
	Score            float64                 `json:"outlier_score"`
	CallStack        []Frame                 `json:"call_stack"`
	FuncStats        json.RawMessage         `json:"func_stats,omitempty"`
	CounterEvents    []schema.CounterSample  `json:"counter_events"`
	IsGPUEvent       bool                    `json:"is_gpu_event"`
	GPULocation      *metadata.DeviceBinding `json:"gpu_location,omitempty"`
	GPUParent        *GPUParent              `json:"gpu_parent,omitempty"`
	EventWindow      Window                  `json:"event_window"`
	NodeState        []counters.FieldState   `json:"node_state,omitempty"`
	IOStep           int                     `json:"io_step"`
	IOStepStart      uint64                  `json:"io_step_tstart"`
	IOStepEnd        uint64                  `json:"io_step_tend"`
}

// MetadataRecord is the provenance form of one new metadata attribute.
type MetadataRecord struct {
	Program uint64 `json:"pid"`
	Rank    uint64 `json:"rid"`
	Thread  uint64 `json:"tid"`
	Key     string `json:"descr"`
	Value   string `json:"value"`
	IOStep  int    `json:"io_step"`
}
