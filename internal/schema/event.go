// Package schema defines the canonical trace event and execution-interval
// types shared across the analysis pipeline.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind discriminates the event variants carried on the trace stream.
type EventKind uint8

const (
	// KindEntry marks a function entry.
	KindEntry EventKind = iota
	// KindExit marks a function exit.
	KindExit
	// KindSend marks an outgoing message.
	KindSend
	// KindRecv marks an incoming message.
	KindRecv
	// KindCounter marks a counter sample.
	KindCounter
)

// String renders the kind for logs and serialised records.
func (k EventKind) String() string {
	switch k {
	case KindEntry:
		return "ENTRY"
	case KindExit:
		return "EXIT"
	case KindSend:
		return "SEND"
	case KindRecv:
		return "RECV"
	case KindCounter:
		return "COUNTER"
	default:
		return "UNKNOWN"
	}
}

// Event is one timestamped record from the trace stream. The populated
// payload fields depend on Kind; an Event is immutable once constructed.
type Event struct {
	Kind      EventKind
	Program   uint64
	Rank      uint64
	Thread    uint64
	Timestamp uint64

	// Entry/Exit payload.
	FuncID uint64

	// Send/Recv payload.
	Partner uint64
	Bytes   uint64
	Tag     uint64

	// Counter payload.
	CounterID uint64
	Value     uint64
}

// ExecID is the stable identifier of an execution interval: the rank it ran
// on, the step its entry event arrived in, and a per-step monotonic counter.
// Cross-links between intervals are ExecIDs, never pointers, so purged
// intervals cannot be reached through dangling references.
type ExecID struct {
	Rank  uint64
	Step  int
	Index uint64
}

// RootID is the synthetic parent of stack-bottom executions.
var RootID = ExecID{Rank: 0, Step: -1, Index: 0}

// IsRoot reports whether the id denotes the synthetic root.
func (id ExecID) IsRoot() bool { return id == RootID }

// String renders the id as "rank:step:index".
func (id ExecID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%d:%d:%d", id.Rank, id.Step, id.Index)
}

// ParseExecID parses the "rank:step:index" form produced by String.
func ParseExecID(s string) (ExecID, error) {
	if s == "root" {
		return RootID, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ExecID{}, fmt.Errorf("malformed exec id %q", s)
	}
	rank, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ExecID{}, fmt.Errorf("malformed exec id %q: %w", s, err)
	}
	step, err := strconv.Atoi(parts[1])
	if err != nil {
		return ExecID{}, fmt.Errorf("malformed exec id %q: %w", s, err)
	}
	index, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return ExecID{}, fmt.Errorf("malformed exec id %q: %w", s, err)
	}
	return ExecID{Rank: rank, Step: step, Index: index}, nil
}
