// Package aggregator implements the parameter-server application logic: it
// merges per-rank model increments into the global model, serves the global
// function index map, and accumulates the combined per-step statistics.
package aggregator

import (
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/detector"
	"github.com/perfstream/anomalyd/internal/psnet"
	"github.com/perfstream/anomalyd/internal/stats"
	"github.com/perfstream/anomalyd/internal/summary"
)

// funcAccumulation is the cross-rank aggregation for one function.
type funcAccumulation struct {
	Program      uint64             `json:"pid"`
	FuncID       uint64             `json:"id"`
	Name         string             `json:"name"`
	AnomalyCount int                `json:"n_anomaly"`
	Inclusive    stats.RunningStats `json:"inclusive"`
	Exclusive    stats.RunningStats `json:"exclusive"`
	Score        stats.RunningStats `json:"score"`
}

// Aggregator handles protocol messages for the parameter server.
type Aggregator struct {
	store *detector.ModelStore
	index *psnet.FunctionIndexRegistry

	mu        sync.Mutex
	funcs     map[uint64]*funcAccumulation
	counters  *summary.GlobalCounterStats
	anomalies int
	steps     map[uint64]int
}

// New constructs an aggregator over the given model store.
func New(store *detector.ModelStore) *Aggregator {
	return &Aggregator{
		store:    store,
		index:    psnet.NewFunctionIndexRegistry(),
		funcs:    make(map[uint64]*funcAccumulation),
		counters: summary.NewGlobalCounterStats(),
		steps:    make(map[uint64]int),
	}
}

// Handle implements the psnet server contract.
func (a *Aggregator) Handle(msg psnet.Message) (*psnet.Message, error) {
	switch msg.Kind {
	case psnet.KindParameters:
		if msg.Type != psnet.TypeAdd {
			return nil, errs.New("aggregator", errs.KindInvalidInput,
				errs.WithMessage("parameters messages must be ADD"))
		}
		merged, err := a.store.MergeIncrement(msg.Payload)
		if err != nil {
			return nil, err
		}
		return &psnet.Message{Kind: psnet.KindParameters, Step: msg.Step, Payload: merged}, nil

	case psnet.KindFunctionIndexMap:
		reply, err := a.index.HandleIndexMapRequest(msg.Payload)
		if err != nil {
			return nil, err
		}
		return &psnet.Message{Kind: psnet.KindFunctionIndexMap, Payload: reply}, nil

	case psnet.KindCombinedStats:
		if err := a.absorbCombinedStats(msg.Sender, msg.Payload); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, errs.New("aggregator", errs.KindInvalidInput,
			errs.WithMessage("unknown message kind"),
			errs.WithField("kind", string(msg.Kind)))
	}
}

func (a *Aggregator) absorbCombinedStats(sender uint64, payload []byte) error {
	combined, err := summary.UnmarshalCombinedStats(payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range combined.FuncProfiles {
		acc, ok := a.funcs[p.FuncID]
		if !ok {
			acc = &funcAccumulation{Program: p.Program, FuncID: p.FuncID, Name: p.Name}
			a.funcs[p.FuncID] = acc
		}
		acc.AnomalyCount += p.AnomalyCount
		acc.Inclusive.Merge(p.Inclusive)
		acc.Exclusive.Merge(p.Exclusive)
		acc.Score.Merge(p.Score)
	}
	a.counters.Merge(combined.CounterStats)
	a.anomalies += combined.Metrics.Outliers
	a.steps[sender] = combined.Metrics.Step
	return nil
}

// Snapshot is the periodic global-state dump.
type Snapshot struct {
	Functions    []funcAccumulation       `json:"func_stats"`
	Counters     []summary.CounterProfile `json:"counter_stats"`
	Anomalies    int                      `json:"n_anomalies"`
	ModelFuncs   int                      `json:"model_functions"`
	RankLastStep map[uint64]int           `json:"rank_last_step"`
}

// Snapshot returns the accumulated global view, functions sorted by id.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	funcs := make([]funcAccumulation, 0, len(a.funcs))
	for _, acc := range a.funcs {
		funcs = append(funcs, *acc)
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].FuncID < funcs[j].FuncID })

	steps := make(map[uint64]int, len(a.steps))
	for r, s := range a.steps {
		steps[r] = s
	}
	return Snapshot{
		Functions:    funcs,
		Counters:     a.counters.Profiles(),
		Anomalies:    a.anomalies,
		ModelFuncs:   a.store.NumFunctions(),
		RankLastStep: steps,
	}
}

// SnapshotJSON serialises the snapshot.
func (a *Aggregator) SnapshotJSON() ([]byte, error) {
	raw, err := json.Marshal(a.Snapshot())
	if err != nil {
		return nil, errs.New("aggregator", errs.KindInternal, errs.WithCause(err))
	}
	return raw, nil
}
