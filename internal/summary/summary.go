// Package summary gathers the per-step statistics sent to the parameter
// server in one combined payload: function profiles, counter statistics and
// anomaly metrics.
package summary

import (
	"sort"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/counters"
	"github.com/perfstream/anomalyd/internal/detector"
	"github.com/perfstream/anomalyd/internal/schema"
	"github.com/perfstream/anomalyd/internal/stats"
)

// FuncProfile aggregates one function's executions in the analysis window.
type FuncProfile struct {
	Program      uint64             `json:"pid"`
	FuncID       uint64             `json:"id"`
	Name         string             `json:"name"`
	AnomalyCount int                `json:"n_anomaly"`
	Inclusive    stats.RunningStats `json:"inclusive"`
	Exclusive    stats.RunningStats `json:"exclusive"`
	Score        stats.RunningStats `json:"score"`
}

// CounterProfile aggregates one counter's values in the analysis window.
type CounterProfile struct {
	Name  string             `json:"name"`
	Stats stats.RunningStats `json:"stats"`
}

// AnomalyMetrics summarises the analysis pass.
type AnomalyMetrics struct {
	Program   uint64 `json:"pid"`
	Rank      uint64 `json:"rid"`
	Step      int    `json:"step"`
	FirstTS   uint64 `json:"min_timestamp"`
	LastTS    uint64 `json:"max_timestamp"`
	Outliers  int    `json:"n_anomalies"`
	Analyzed  int    `json:"n_analyzed"`
	NewEvents int    `json:"n_events"`
}

// CombinedStats is the single payload carrying everything the parameter
// server needs per step.
type CombinedStats struct {
	FuncProfiles []FuncProfile    `json:"func_stats"`
	CounterStats []CounterProfile `json:"counter_stats"`
	Metrics      AnomalyMetrics   `json:"anomaly_metrics"`
}

// GatherFuncProfiles builds per-function profiles over the classified view.
func GatherFuncProfiles(program uint64, view map[uint64][]*schema.Execution, anomalies *detector.Anomalies) []FuncProfile {
	fids := make([]uint64, 0, len(view))
	for fid := range view {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	out := make([]FuncProfile, 0, len(fids))
	for _, fid := range fids {
		execs := view[fid]
		if len(execs) == 0 {
			continue
		}
		profile := FuncProfile{
			Program: program,
			FuncID:  fid,
			Name:    execs[0].FuncName,
		}
		for _, x := range execs {
			profile.Inclusive.Push(float64(x.Inclusive()))
			profile.Exclusive.Push(float64(x.Exclusive()))
			profile.Score.Push(x.Score)
		}
		if anomalies != nil {
			profile.AnomalyCount = len(anomalies.OutliersForFunc(fid))
		}
		out = append(out, profile)
	}
	return out
}

// GatherCounterProfiles builds per-counter statistics from the step's series.
func GatherCounterProfiles(cm *counters.Manager) []CounterProfile {
	ids := cm.IDs()
	out := make([]CounterProfile, 0, len(ids))
	for _, id := range ids {
		samples := cm.ByIndex()[id]
		if len(samples) == 0 {
			continue
		}
		profile := CounterProfile{Name: cm.Name(id)}
		for _, s := range samples {
			profile.Stats.Push(float64(s.Value))
		}
		out = append(out, profile)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Marshal serialises the combined payload. Profile slices are already sorted,
// so encoding is deterministic and round-trips byte-exactly.
func (c CombinedStats) Marshal() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, errs.New("summary", errs.KindInternal, errs.WithCause(err))
	}
	return raw, nil
}

// UnmarshalCombinedStats restores a combined payload.
func UnmarshalCombinedStats(raw []byte) (CombinedStats, error) {
	var c CombinedStats
	if err := json.Unmarshal(raw, &c); err != nil {
		return CombinedStats{}, errs.New("summary", errs.KindInvalidInput, errs.WithCause(err))
	}
	return c, nil
}

// GlobalCounterStats is the server-side accumulation of counter statistics
// across ranks and steps.
type GlobalCounterStats struct {
	byName map[string]*stats.RunningStats
}

// NewGlobalCounterStats constructs an empty accumulation.
func NewGlobalCounterStats() *GlobalCounterStats {
	return &GlobalCounterStats{byName: make(map[string]*stats.RunningStats)}
}

// Merge folds one rank's counter profiles into the global view.
func (g *GlobalCounterStats) Merge(profiles []CounterProfile) {
	for _, p := range profiles {
		rs, ok := g.byName[p.Name]
		if !ok {
			rs = &stats.RunningStats{}
			g.byName[p.Name] = rs
		}
		rs.Merge(p.Stats)
	}
}

// Profiles returns the accumulated statistics sorted by counter name.
func (g *GlobalCounterStats) Profiles() []CounterProfile {
	out := make([]CounterProfile, 0, len(g.byName))
	for name, rs := range g.byName {
		out = append(out, CounterProfile{Name: name, Stats: *rs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
