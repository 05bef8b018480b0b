// Package execution reconstructs call-stack-structured execution intervals
// from the ordered event sequence: per-thread open stacks, an
// insertion-ordered call list of closed intervals pending analysis, and the
// correlation-id bookkeeping that binds CPU launches to GPU executions.
package execution

import (
	"fmt"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/schema"
)

// Options configure a Manager.
type Options struct {
	// Rank is stamped into execution identifiers.
	Rank uint64
	// FuncNames resolves function ids to names; the map is driver-owned and
	// grow-only.
	FuncNames map[uint64]string
	// CounterNames resolves counter ids to names; used to recognise the
	// correlation-id counter.
	CounterNames map[uint64]string
	// CorrelationCounterName selects the counter carrying correlation ids.
	CorrelationCounterName string
	// IsGPUThread reports whether a thread is a registered GPU thread.
	IsGPUThread func(tid uint64) bool
	// IgnoreCounter suppresses per-execution attachment for background
	// node-state counters claimed by the monitoring view.
	IgnoreCounter func(counterID uint64) bool
	// IgnoreCorrelationFuncs suppresses correlation-id tracking for functions
	// known to misuse it, keyed by function name.
	IgnoreCorrelationFuncs map[string]struct{}
}

// PurgeReport summarises one call-list purge.
type PurgeReport struct {
	Purged         int
	KeptProtected  int
	KeptIncomplete int
	KeptWindow     int
}

type callPosition struct {
	thread uint64
	index  int
}

type pendingCorrelation struct {
	exec schema.ExecID
	step int
}

// Manager owns the interval arena. All mutation happens from the single
// driver goroutine.
type Manager struct {
	opts Options

	step      int
	nextIndex uint64

	// stacks holds the open intervals per thread, innermost last.
	stacks map[uint64][]*schema.Execution
	// arena maps identifiers to intervals; cross-links are ids, not pointers.
	arena map[schema.ExecID]*schema.Execution
	// callList holds closed intervals per thread in insertion order.
	callList map[uint64][]schema.ExecID
	position map[schema.ExecID]callPosition

	pendingCorr map[uint64]pendingCorrelation
	unmatched   map[uint64]schema.ExecID
}

// NewManager constructs an empty manager.
func NewManager(opts Options) *Manager {
	if opts.CorrelationCounterName == "" {
		opts.CorrelationCounterName = "Correlation ID"
	}
	return &Manager{
		opts:        opts,
		step:        -1,
		stacks:      make(map[uint64][]*schema.Execution),
		arena:       make(map[schema.ExecID]*schema.Execution),
		callList:    make(map[uint64][]schema.ExecID),
		position:    make(map[schema.ExecID]callPosition),
		pendingCorr: make(map[uint64]pendingCorrelation),
		unmatched:   make(map[uint64]schema.ExecID),
	}
}

// BeginStep stamps subsequent entries with the step index and resets the
// per-step identifier counter.
func (m *Manager) BeginStep(step int) {
	m.step = step
	m.nextIndex = 0
}

// AddEvent dispatches one event into the interval structures. Recoverable
// conditions (unmatched exits, messages with no open interval) return an
// error of kind InvalidInput; the manager state stays consistent.
func (m *Manager) AddEvent(e schema.Event) error {
	switch e.Kind {
	case schema.KindEntry:
		m.addEntry(e)
		return nil
	case schema.KindExit:
		return m.addExit(e)
	case schema.KindSend, schema.KindRecv:
		return m.addMessage(e)
	case schema.KindCounter:
		m.addCounter(e)
		return nil
	default:
		return errs.New("execution", errs.KindInvalidInput,
			errs.WithMessage("unknown event kind"),
			errs.WithField("kind", e.Kind.String()))
	}
}

func (m *Manager) addEntry(e schema.Event) {
	id := schema.ExecID{Rank: m.opts.Rank, Step: m.step, Index: m.nextIndex}
	m.nextIndex++

	exec := schema.NewExecution(id, e)
	exec.FuncName = m.funcName(e.FuncID)
	if m.opts.IsGPUThread != nil && m.opts.IsGPUThread(e.Thread) {
		exec.GPU = true
	}

	stack := m.stacks[e.Thread]
	if len(stack) > 0 {
		parent := stack[len(stack)-1]
		exec.Parent = parent.ID
		parent.Children = append(parent.Children, id)
	}
	m.stacks[e.Thread] = append(stack, exec)
	m.arena[id] = exec
}

func (m *Manager) addExit(e schema.Event) error {
	stack := m.stacks[e.Thread]
	if len(stack) == 0 {
		return errs.New("execution", errs.KindInvalidInput,
			errs.WithMessage("exit with empty call stack"),
			errs.WithField("func", m.funcName(e.FuncID)))
	}
	top := stack[len(stack)-1]
	if top.FuncID != e.FuncID {
		// The pop is abandoned; the stream may recover on a later exit.
		return errs.New("execution", errs.KindInvalidInput,
			errs.WithMessage("exit does not match stack top"),
			errs.WithField("expected", m.funcName(top.FuncID)),
			errs.WithField("got", m.funcName(e.FuncID)))
	}
	m.stacks[e.Thread] = stack[:len(stack)-1]
	top.Close(e.Timestamp)

	if len(m.stacks[e.Thread]) > 0 {
		parent := m.stacks[e.Thread][len(m.stacks[e.Thread])-1]
		parent.DeductChild(top.Inclusive())
	}

	list := m.callList[e.Thread]
	m.position[top.ID] = callPosition{thread: e.Thread, index: len(list)}
	m.callList[e.Thread] = append(list, top.ID)
	return nil
}

func (m *Manager) addMessage(e schema.Event) error {
	stack := m.stacks[e.Thread]
	if len(stack) == 0 {
		return errs.New("execution", errs.KindInvalidInput,
			errs.WithMessage("message with no open execution"),
			errs.WithField("kind", e.Kind.String()))
	}
	top := stack[len(stack)-1]
	top.AttachMessage(schema.Message{
		Kind:      e.Kind,
		Partner:   e.Partner,
		Bytes:     e.Bytes,
		Tag:       e.Tag,
		Timestamp: e.Timestamp,
		Thread:    e.Thread,
		ExecKey:   top.ID.String(),
	})
	return nil
}

func (m *Manager) addCounter(e schema.Event) {
	stack := m.stacks[e.Thread]
	if len(stack) == 0 {
		return
	}
	top := stack[len(stack)-1]

	name := m.opts.CounterNames[e.CounterID]
	if name == m.opts.CorrelationCounterName {
		if _, ignored := m.opts.IgnoreCorrelationFuncs[top.FuncName]; !ignored {
			m.bindCorrelation(top, e.Value)
		}
		return
	}
	if m.opts.IgnoreCounter != nil && m.opts.IgnoreCounter(e.CounterID) {
		return
	}
	top.AttachCounter(schema.CounterSample{
		CounterID:   e.CounterID,
		CounterName: name,
		Value:       e.Value,
		Timestamp:   e.Timestamp,
		Thread:      e.Thread,
	})
}

// bindCorrelation pairs the execution with a previously seen holder of the
// same correlation id, or parks it until the partner arrives.
func (m *Manager) bindCorrelation(exec *schema.Execution, corrID uint64) {
	exec.AddCorrelationID(corrID)

	pending, ok := m.pendingCorr[corrID]
	if !ok {
		m.pendingCorr[corrID] = pendingCorrelation{exec: exec.ID, step: m.step}
		return
	}
	partner, live := m.arena[pending.exec]
	delete(m.pendingCorr, corrID)
	if !live || pending.exec == exec.ID {
		// The earlier holder aged out before its partner arrived; record it
		// and park the new holder in its place.
		m.unmatched[corrID] = pending.exec
		m.pendingCorr[corrID] = pendingCorrelation{exec: exec.ID, step: m.step}
		return
	}
	exec.AddCorrPartner(partner.ID)
	partner.AddCorrPartner(exec.ID)
}

// Lookup resolves an identifier in the arena.
func (m *Manager) Lookup(id schema.ExecID) (*schema.Execution, bool) {
	x, ok := m.arena[id]
	return x, ok
}

// ExecView groups the closed, not-yet-classified intervals by function id.
// This is the view the outlier model classifies.
func (m *Manager) ExecView() map[uint64][]*schema.Execution {
	out := make(map[uint64][]*schema.Execution)
	for _, list := range m.callList {
		for _, id := range list {
			x := m.arena[id]
			if x.Label == schema.LabelUnclassified {
				out[x.FuncID] = append(out[x.FuncID], x)
			}
		}
	}
	return out
}

// CallWindow returns the interval at id plus up to n preceding and n+1
// following intervals on the same thread, in insertion order.
func (m *Manager) CallWindow(id schema.ExecID, n int) ([]*schema.Execution, error) {
	pos, ok := m.position[id]
	if !ok {
		return nil, errs.New("execution", errs.KindInternal,
			errs.WithMessage("call window target not in call list"),
			errs.WithField("id", id.String()))
	}
	list := m.callList[pos.thread]
	lo := pos.index - n
	if lo < 0 {
		lo = 0
	}
	hi := pos.index + n + 2
	if hi > len(list) {
		hi = len(list)
	}
	out := make([]*schema.Execution, 0, hi-lo)
	for _, wid := range list[lo:hi] {
		out = append(out, m.arena[wid])
	}
	return out, nil
}

// CallListSize returns the number of closed intervals retained.
func (m *Manager) CallListSize() int {
	total := 0
	for _, list := range m.callList {
		total += len(list)
	}
	return total
}

// OpenCount returns the number of intervals still open.
func (m *Manager) OpenCount() int {
	total := 0
	for _, stack := range m.stacks {
		total += len(stack)
	}
	return total
}

// PurgeCallList removes closed intervals that are neither within the trailing
// window on their thread, nor referenced (directly or transitively through
// parent and correlation links) by a retained or still-open interval.
// Correlation ids whose pending holder was purged age into the unmatched
// diagnostic set.
func (m *Manager) PurgeCallList(window int) PurgeReport {
	report := PurgeReport{KeptIncomplete: m.OpenCount()}

	keep := make(map[schema.ExecID]struct{})
	windowKept := make(map[schema.ExecID]struct{})

	for _, list := range m.callList {
		lo := len(list) - window
		if lo < 0 {
			lo = 0
		}
		for _, id := range list[lo:] {
			keep[id] = struct{}{}
			windowKept[id] = struct{}{}
		}
	}

	// Seed the reference closure from retained and open intervals, then
	// expand through parent and correlation links until stable.
	frontier := make([]*schema.Execution, 0, len(keep)+report.KeptIncomplete)
	for id := range keep {
		frontier = append(frontier, m.arena[id])
	}
	for _, stack := range m.stacks {
		frontier = append(frontier, stack...)
	}
	for len(frontier) > 0 {
		x := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		refs := make([]schema.ExecID, 0, 1+len(x.CorrPartners))
		if !x.Parent.IsRoot() {
			refs = append(refs, x.Parent)
		}
		refs = append(refs, x.CorrPartners...)
		for _, ref := range refs {
			if _, kept := keep[ref]; kept {
				continue
			}
			target, live := m.arena[ref]
			if !live || !target.Closed() {
				continue
			}
			keep[ref] = struct{}{}
			frontier = append(frontier, target)
		}
	}

	newList := make(map[uint64][]schema.ExecID, len(m.callList))
	newPos := make(map[schema.ExecID]callPosition, len(keep))
	for tid, list := range m.callList {
		kept := make([]schema.ExecID, 0, len(list))
		for _, id := range list {
			if _, ok := keep[id]; ok {
				newPos[id] = callPosition{thread: tid, index: len(kept)}
				kept = append(kept, id)
				if _, w := windowKept[id]; w {
					report.KeptWindow++
				} else {
					report.KeptProtected++
				}
				continue
			}
			delete(m.arena, id)
			report.Purged++
		}
		if len(kept) > 0 {
			newList[tid] = kept
		}
	}
	m.callList = newList
	m.position = newPos

	for corrID, pending := range m.pendingCorr {
		if _, live := m.arena[pending.exec]; !live {
			m.unmatched[corrID] = pending.exec
			delete(m.pendingCorr, corrID)
		}
	}
	return report
}

// UnmatchedCorrelationIDs returns the diagnostic set of correlation ids whose
// partner never arrived.
func (m *Manager) UnmatchedCorrelationIDs() map[uint64]schema.ExecID {
	out := make(map[uint64]schema.ExecID, len(m.unmatched))
	for k, v := range m.unmatched {
		out[k] = v
	}
	return out
}

// DrainUnmatched moves all still-pending correlation ids into the unmatched
// set and returns it. Called at stream end.
func (m *Manager) DrainUnmatched() map[uint64]schema.ExecID {
	for corrID, pending := range m.pendingCorr {
		m.unmatched[corrID] = pending.exec
		delete(m.pendingCorr, corrID)
	}
	return m.UnmatchedCorrelationIDs()
}

func (m *Manager) funcName(fid uint64) string {
	if name, ok := m.opts.FuncNames[fid]; ok {
		return name
	}
	return fmt.Sprintf("func %d", fid)
}
