// Package assembler merges the per-step typed event arrays into one
// chronologically ordered event sequence per thread, applying the tie-break
// rules that bind messages and counters to their enclosing function and
// pair correlation-id counters with their function entries.
package assembler

import (
	"sort"
	"strconv"
	"sync"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/schema"
	"github.com/perfstream/anomalyd/internal/stream"
)

// CorrelationCounterName is the counter name carrying GPU correlation ids.
const CorrelationCounterName = "Correlation ID"

// IndexMapper translates local function ids into global ids keyed by
// function name. Implementations batch unseen ids into a single request.
type IndexMapper interface {
	MapFunctions(funcs map[uint64]string) (map[uint64]uint64, error)
}

// Options configure an Assembler.
type Options struct {
	// Rank is the driver's rank; when OverrideRank is set every decoded
	// record's rank field is rewritten to it.
	Rank         uint64
	OverrideRank bool
	// Mapper, when non-nil, rewrites local function ids to global ids.
	Mapper IndexMapper
}

// Assembler decodes and orders the per-step event arrays.
type Assembler struct {
	opts Options

	mu       sync.Mutex
	fidCache map[uint64]uint64
}

// New constructs an Assembler.
func New(opts Options) *Assembler {
	return &Assembler{opts: opts, fidCache: make(map[uint64]uint64)}
}

// Assembly is the ordered per-thread output of one step.
type Assembly struct {
	// Threads lists thread ids in ascending order.
	Threads []uint64
	// ByThread holds each thread's events in chronological, tie-broken order.
	ByThread map[uint64][]schema.Event
	// FirstTS and LastTS bound the step's event timestamps; valid only when
	// HasEvents is set.
	FirstTS   uint64
	LastTS    uint64
	HasEvents bool
	// ExcessCorrelationIDs counts same-timestamp correlation ids beyond the
	// number of entries available to claim them.
	ExcessCorrelationIDs int
	// Dropped counts malformed records skipped during decoding.
	Dropped int
	// Errors collects the recoverable decoding errors.
	Errors []error
}

// Events concatenates all threads' sequences in thread order.
func (a Assembly) Events() []schema.Event {
	var out []schema.Event
	for _, tid := range a.Threads {
		out = append(out, a.ByThread[tid]...)
	}
	return out
}

// Assemble decodes the step arrays and produces the ordered sequences.
func (a *Assembler) Assemble(data stream.StepData, attrs stream.Attributes) (Assembly, error) {
	out := Assembly{ByThread: make(map[uint64][]schema.Event)}

	corrIDs := correlationCounterIDs(attrs)

	funcs := a.decodeFuncData(data.FuncData, attrs, &out)
	comms := a.decodeCommData(data.CommData, attrs, &out)
	counters := a.decodeCounterData(data.CounterData, &out)

	if a.opts.Mapper != nil {
		if err := a.rewriteFunctionIDs(funcs, attrs); err != nil {
			return out, err
		}
	}

	threads := make(map[uint64]*threadStreams)
	appendTo := func(events []schema.Event) {
		for _, e := range events {
			ts, ok := threads[e.Thread]
			if !ok {
				ts = &threadStreams{}
				threads[e.Thread] = ts
			}
			switch e.Kind {
			case schema.KindEntry, schema.KindExit:
				ts.funcs = append(ts.funcs, e)
			case schema.KindSend, schema.KindRecv:
				ts.comms = append(ts.comms, e)
			default:
				ts.counters = append(ts.counters, e)
			}
		}
	}
	appendTo(funcs)
	appendTo(comms)
	appendTo(counters)

	for tid, st := range threads {
		ordered, excess := st.merge(corrIDs)
		out.ByThread[tid] = ordered
		out.ExcessCorrelationIDs += excess
		out.Threads = append(out.Threads, tid)
		for _, e := range ordered {
			if !out.HasEvents {
				out.FirstTS, out.LastTS = e.Timestamp, e.Timestamp
				out.HasEvents = true
				continue
			}
			if e.Timestamp < out.FirstTS {
				out.FirstTS = e.Timestamp
			}
			if e.Timestamp > out.LastTS {
				out.LastTS = e.Timestamp
			}
		}
	}
	sort.Slice(out.Threads, func(i, j int) bool { return out.Threads[i] < out.Threads[j] })
	return out, nil
}

func (a *Assembler) decodeFuncData(rows [][]uint64, attrs stream.Attributes, out *Assembly) []schema.Event {
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		if len(row) < stream.FuncRecordLen {
			out.drop(errs.New("assembler", errs.KindInvalidInput, errs.WithMessage("short function record")))
			continue
		}
		typeName, ok := attrs.EventTypes[row[stream.FuncColType]]
		if !ok {
			out.drop(errs.New("assembler", errs.KindInvalidInput,
				errs.WithMessage("unknown event type id"),
				errs.WithField("id", uintString(row[stream.FuncColType]))))
			continue
		}
		var kind schema.EventKind
		switch typeName {
		case "ENTRY":
			kind = schema.KindEntry
		case "EXIT":
			kind = schema.KindExit
		default:
			out.drop(errs.New("assembler", errs.KindInvalidInput,
				errs.WithMessage("function record with non-function event type"),
				errs.WithField("type", typeName)))
			continue
		}
		events = append(events, schema.Event{
			Kind:      kind,
			Program:   row[stream.FuncColProgram],
			Rank:      a.rank(row[stream.FuncColRank]),
			Thread:    row[stream.FuncColThread],
			FuncID:    row[stream.FuncColFuncID],
			Timestamp: row[stream.FuncColTime],
		})
	}
	sortStable(events)
	return events
}

func (a *Assembler) decodeCommData(rows [][]uint64, attrs stream.Attributes, out *Assembly) []schema.Event {
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		if len(row) < stream.CommRecordLen {
			out.drop(errs.New("assembler", errs.KindInvalidInput, errs.WithMessage("short communication record")))
			continue
		}
		typeName, ok := attrs.EventTypes[row[stream.CommColType]]
		if !ok {
			out.drop(errs.New("assembler", errs.KindInvalidInput,
				errs.WithMessage("unknown event type id"),
				errs.WithField("id", uintString(row[stream.CommColType]))))
			continue
		}
		var kind schema.EventKind
		switch typeName {
		case "SEND":
			kind = schema.KindSend
		case "RECV":
			kind = schema.KindRecv
		default:
			out.drop(errs.New("assembler", errs.KindInvalidInput,
				errs.WithMessage("communication record with non-communication event type"),
				errs.WithField("type", typeName)))
			continue
		}
		events = append(events, schema.Event{
			Kind:      kind,
			Program:   row[stream.CommColProgram],
			Rank:      a.rank(row[stream.CommColRank]),
			Thread:    row[stream.CommColThread],
			Tag:       row[stream.CommColTag],
			Partner:   row[stream.CommColPartner],
			Bytes:     row[stream.CommColBytes],
			Timestamp: row[stream.CommColTime],
		})
	}
	sortStable(events)
	return events
}

func (a *Assembler) decodeCounterData(rows [][]uint64, out *Assembly) []schema.Event {
	events := make([]schema.Event, 0, len(rows))
	for _, row := range rows {
		if len(row) < stream.CounterRecordLen {
			out.drop(errs.New("assembler", errs.KindInvalidInput, errs.WithMessage("short counter record")))
			continue
		}
		events = append(events, schema.Event{
			Kind:      schema.KindCounter,
			Program:   row[stream.CounterColProgram],
			Rank:      a.rank(row[stream.CounterColRank]),
			Thread:    row[stream.CounterColThread],
			CounterID: row[stream.CounterColID],
			Value:     row[stream.CounterColValue],
			Timestamp: row[stream.CounterColTime],
		})
	}
	sortStable(events)
	return events
}

func (a *Assembler) rank(recorded uint64) uint64 {
	if a.opts.OverrideRank {
		return a.opts.Rank
	}
	return recorded
}

// rewriteFunctionIDs replaces local function ids with global ids, batching a
// single mapper request for the ids not yet cached.
func (a *Assembler) rewriteFunctionIDs(funcs []schema.Event, attrs stream.Attributes) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	unseen := make(map[uint64]string)
	for i := range funcs {
		fid := funcs[i].FuncID
		if _, ok := a.fidCache[fid]; ok {
			continue
		}
		unseen[fid] = attrs.Timers[fid]
	}
	if len(unseen) > 0 {
		mapped, err := a.opts.Mapper.MapFunctions(unseen)
		if err != nil {
			return errs.New("assembler", errs.KindTransientIO,
				errs.WithMessage("function index mapping failed"),
				errs.WithCause(err))
		}
		for local, global := range mapped {
			a.fidCache[local] = global
		}
	}
	for i := range funcs {
		if global, ok := a.fidCache[funcs[i].FuncID]; ok {
			funcs[i].FuncID = global
		}
	}
	return nil
}

func (a *Assembly) drop(err error) {
	a.Dropped++
	a.Errors = append(a.Errors, err)
}

func uintString(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func sortStable(events []schema.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
}

func correlationCounterIDs(attrs stream.Attributes) map[uint64]struct{} {
	ids := make(map[uint64]struct{})
	for id, name := range attrs.Counters {
		if name == CorrelationCounterName {
			ids[id] = struct{}{}
		}
	}
	return ids
}
