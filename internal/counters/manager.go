// Package counters maintains per-counter time-indexed value series and the
// monitoring view that extracts configured counters as node state.
package counters

import (
	"sort"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/schema"
)

// Sample is one timestamped counter observation.
type Sample struct {
	Timestamp uint64 `json:"ts"`
	Value     uint64 `json:"value"`
}

// Manager keeps, per counter id, the time-ordered samples of the current
// step. Mutation happens only from the driver goroutine.
type Manager struct {
	// names resolves counter ids; the map is driver-owned and grow-only.
	names  map[uint64]string
	series map[uint64][]Sample
}

// NewManager constructs a manager over the given counter-name table.
func NewManager(names map[uint64]string) *Manager {
	return &Manager{names: names, series: make(map[uint64][]Sample)}
}

// Add appends one counter event to its series.
func (m *Manager) Add(e schema.Event) error {
	if e.Kind != schema.KindCounter {
		return errs.New("counters", errs.KindInvalidInput,
			errs.WithMessage("non-counter event routed to counter manager"),
			errs.WithField("kind", e.Kind.String()))
	}
	m.series[e.CounterID] = append(m.series[e.CounterID], Sample{Timestamp: e.Timestamp, Value: e.Value})
	return nil
}

// ByIndex exposes the accumulated series keyed by counter id.
func (m *Manager) ByIndex() map[uint64][]Sample {
	return m.series
}

// Name resolves a counter id to its name, or "" when unknown.
func (m *Manager) Name(id uint64) string { return m.names[id] }

// IDForName reverse-resolves a counter name. The attribute table is small;
// a linear scan keeps the manager free of a second index to maintain.
func (m *Manager) IDForName(name string) (uint64, bool) {
	for id, n := range m.names {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// IDs returns the counter ids with samples this step, in ascending order.
func (m *Manager) IDs() []uint64 {
	out := make([]uint64, 0, len(m.series))
	for id := range m.series {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FlushStep returns the accumulated series and clears the manager for the
// next step.
func (m *Manager) FlushStep() map[uint64][]Sample {
	out := m.series
	m.series = make(map[uint64][]Sample)
	return out
}
