package counters

import (
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
)

// WatchEntry pairs a counter name with the field name it is reported under.
type WatchEntry struct {
	CounterName string
	FieldName   string
}

// FieldState is the most recent observation of a watched counter.
type FieldState struct {
	Field     string `json:"field"`
	Value     uint64 `json:"value"`
	Timestamp uint64 `json:"ts"`
}

// defaultWatchList covers the node-state counters an instrumented
// application commonly exposes.
var defaultWatchList = []WatchEntry{
	{"cpu: User %", "cpu_usage"},
	{"Memory Footprint (VmRSS) (KB)", "memory_rss"},
	{"Peak Memory Usage Resident Set Size (VmHWM) (KB)", "memory_hwm"},
	{"program size (kB)", "program_size"},
}

// Monitoring extracts a configured subset of counters as most-recent-value
// node state. Watched counters are tagged so the execution manager ignores
// them when attaching per-execution counters.
type Monitoring struct {
	watch  []WatchEntry
	prefix string

	watchedIDs map[uint64]struct{}
	state      map[string]FieldState
}

// NewMonitoring constructs a view with the default watch list.
func NewMonitoring() *Monitoring {
	return &Monitoring{
		watch:      append([]WatchEntry(nil), defaultWatchList...),
		watchedIDs: make(map[uint64]struct{}),
		state:      make(map[string]FieldState),
	}
}

// SetWatchList replaces the watch list.
func (mo *Monitoring) SetWatchList(entries []WatchEntry) {
	mo.watch = append([]WatchEntry(nil), entries...)
}

// SetCounterPrefix watches every counter whose name carries the prefix; the
// field name is the remainder of the counter name.
func (mo *Monitoring) SetCounterPrefix(prefix string) {
	mo.prefix = prefix
}

// LoadWatchListFile reads a JSON array of [counter name, field name] pairs.
func (mo *Monitoring) LoadWatchListFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.New("monitoring", errs.KindConfig,
			errs.WithMessage("unreadable watch-list file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return errs.New("monitoring", errs.KindConfig,
			errs.WithMessage("malformed watch-list file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	entries := make([]WatchEntry, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return errs.New("monitoring", errs.KindConfig,
				errs.WithMessage("watch-list entries must be [counter, field] pairs"),
				errs.WithField("path", path))
		}
		entries = append(entries, WatchEntry{CounterName: p[0], FieldName: p[1]})
	}
	mo.SetWatchList(entries)
	return nil
}

// Extract scans the counter manager's latest samples for the watched
// counters and refreshes the node state.
func (mo *Monitoring) Extract(cm *Manager) {
	for id, samples := range cm.ByIndex() {
		if len(samples) == 0 {
			continue
		}
		name := cm.Name(id)
		field, watched := mo.fieldFor(name)
		if !watched {
			continue
		}
		mo.watchedIDs[id] = struct{}{}
		latest := samples[len(samples)-1]
		mo.state[field] = FieldState{Field: field, Value: latest.Value, Timestamp: latest.Timestamp}
	}
}

func (mo *Monitoring) fieldFor(counterName string) (string, bool) {
	if counterName == "" {
		return "", false
	}
	for _, w := range mo.watch {
		if w.CounterName == counterName {
			return w.FieldName, true
		}
	}
	if mo.prefix != "" && strings.HasPrefix(counterName, mo.prefix) {
		return strings.TrimSpace(strings.TrimPrefix(counterName, mo.prefix)), true
	}
	return "", false
}

// Watched reports whether the counter id has been claimed by the view.
func (mo *Monitoring) Watched(id uint64) bool {
	_, ok := mo.watchedIDs[id]
	return ok
}

// State returns the node-state fields sorted by field name.
func (mo *Monitoring) State() []FieldState {
	out := make([]FieldState, 0, len(mo.state))
	for _, fs := range mo.state {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
