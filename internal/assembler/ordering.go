package assembler

import (
	"github.com/perfstream/anomalyd/internal/schema"
)

// threadStreams holds one thread's decoded events, each stream in arrival
// order with a stable timestamp sort applied.
type threadStreams struct {
	funcs    []schema.Event
	comms    []schema.Event
	counters []schema.Event
}

// merge interleaves the three streams into one sequence, non-decreasing in
// timestamp. Within a group of equal timestamps the rules are:
//
//   - function events keep their arrival order;
//   - messages and plain counters are placed before the group's first Exit
//     (or after the last function event when the group closes nothing), so
//     they attach to the enclosing function;
//   - each correlation-id counter is claimed by one same-timestamp Entry in
//     arrival order and emitted inside that entry's interval;
//   - correlation-id counters with no Entry to claim belong to the currently
//     open function and travel with the plain counters.
//
// The number of correlation ids exceeding the available entries is returned
// so the caller can report them rather than dropping them silently.
func (st *threadStreams) merge(corrIDs map[uint64]struct{}) ([]schema.Event, int) {
	out := make([]schema.Event, 0, len(st.funcs)+len(st.comms)+len(st.counters))
	excess := 0

	fi, ci, ki := 0, 0, 0
	for fi < len(st.funcs) || ci < len(st.comms) || ki < len(st.counters) {
		ts := groupTimestamp(st, fi, ci, ki)

		var funcs, comms, plain, corr []schema.Event
		for ; fi < len(st.funcs) && st.funcs[fi].Timestamp == ts; fi++ {
			funcs = append(funcs, st.funcs[fi])
		}
		for ; ci < len(st.comms) && st.comms[ci].Timestamp == ts; ci++ {
			comms = append(comms, st.comms[ci])
		}
		for ; ki < len(st.counters) && st.counters[ki].Timestamp == ts; ki++ {
			e := st.counters[ki]
			if _, ok := corrIDs[e.CounterID]; ok {
				corr = append(corr, e)
			} else {
				plain = append(plain, e)
			}
		}

		emitted, groupExcess := emitGroup(funcs, comms, plain, corr)
		out = append(out, emitted...)
		excess += groupExcess
	}
	return out, excess
}

func groupTimestamp(st *threadStreams, fi, ci, ki int) uint64 {
	var ts uint64
	have := false
	consider := func(events []schema.Event, i int) {
		if i >= len(events) {
			return
		}
		if !have || events[i].Timestamp < ts {
			ts = events[i].Timestamp
			have = true
		}
	}
	consider(st.funcs, fi)
	consider(st.comms, ci)
	consider(st.counters, ki)
	return ts
}

// emitGroup orders one equal-timestamp group.
func emitGroup(funcs, comms, plain, corr []schema.Event) ([]schema.Event, int) {
	out := make([]schema.Event, 0, len(funcs)+len(comms)+len(plain)+len(corr))

	// Count entries to split claimed from unclaimed correlation ids.
	entries := 0
	for _, f := range funcs {
		if f.Kind == schema.KindEntry {
			entries++
		}
	}
	claimed := corr
	var unclaimed []schema.Event
	excess := 0
	if entries == 0 {
		claimed, unclaimed = nil, corr
	} else if len(corr) > entries {
		claimed = corr[:entries]
		unclaimed = corr[entries:]
		excess = len(corr) - entries
	}

	batch := func() []schema.Event {
		b := make([]schema.Event, 0, len(comms)+len(plain)+len(unclaimed))
		b = append(b, comms...)
		b = append(b, plain...)
		b = append(b, unclaimed...)
		return b
	}

	batchEmitted := false
	var pendingCorr []schema.Event
	nextCorr := 0

	flushPending := func() {
		out = append(out, pendingCorr...)
		pendingCorr = pendingCorr[:0]
	}

	for _, f := range funcs {
		switch f.Kind {
		case schema.KindEntry:
			flushPending()
			out = append(out, f)
			if nextCorr < len(claimed) {
				pendingCorr = append(pendingCorr, claimed[nextCorr])
				nextCorr++
			}
		default: // Exit
			if !batchEmitted {
				out = append(out, batch()...)
				batchEmitted = true
			}
			flushPending()
			out = append(out, f)
		}
	}
	if !batchEmitted {
		out = append(out, batch()...)
	}
	flushPending()
	return out, excess
}
