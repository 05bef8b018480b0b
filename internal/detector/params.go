package detector

import (
	"math"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/stats"
)

// modelVersion tags the serialised model layout.
const modelVersion = 1

// modelEnvelope is the version-tagged wire form shared by all variants.
type modelEnvelope struct {
	Algorithm Algorithm       `json:"algorithm"`
	Version   int             `json:"version"`
	Functions json.RawMessage `json:"functions"`
}

// sstdModel maps function ids to running statistics of the classified value.
type sstdModel map[uint64]*stats.RunningStats

func (m sstdModel) at(fid uint64) *stats.RunningStats {
	rs, ok := m[fid]
	if !ok {
		rs = &stats.RunningStats{}
		m[fid] = rs
	}
	return rs
}

// merge folds another model into this one pointwise.
func (m sstdModel) merge(o sstdModel) {
	for fid, rs := range o {
		m.at(fid).Merge(*rs)
	}
}

// assign overwrites the entries present in the input.
func (m sstdModel) assign(o sstdModel) {
	for fid, rs := range o {
		cp := *rs
		m[fid] = &cp
	}
}

func (m sstdModel) clear() {
	for fid := range m {
		delete(m, fid)
	}
}

// marshalSSTDModel encodes the model with its envelope.
func marshalSSTDModel(m sstdModel) ([]byte, error) {
	funcs := make(map[string]*stats.RunningStats, len(m))
	for fid, rs := range m {
		funcs[strconv.FormatUint(fid, 10)] = rs
	}
	rawFuncs, err := json.Marshal(funcs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(modelEnvelope{Algorithm: AlgorithmSSTD, Version: modelVersion, Functions: rawFuncs})
}

func unmarshalSSTDModel(data []byte) (sstdModel, error) {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("detector/params", errs.KindInvalidInput, errs.WithCause(err))
	}
	if env.Algorithm != AlgorithmSSTD {
		return nil, errs.New("detector/params", errs.KindInvalidInput,
			errs.WithMessage("model algorithm mismatch"),
			errs.WithField("algorithm", string(env.Algorithm)))
	}
	funcs := make(map[string]*stats.RunningStats)
	if len(env.Functions) > 0 {
		if err := json.Unmarshal(env.Functions, &funcs); err != nil {
			return nil, errs.New("detector/params", errs.KindInvalidInput, errs.WithCause(err))
		}
	}
	out := make(sstdModel, len(funcs))
	for key, rs := range funcs {
		fid, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, errs.New("detector/params", errs.KindInvalidInput,
				errs.WithMessage("malformed function id"),
				errs.WithField("key", key))
		}
		out[fid] = rs
	}
	return out, nil
}

// histEntry pairs a function's histogram with its stored score threshold.
type histEntry struct {
	Hist      stats.Histogram `json:"histogram"`
	Threshold float64         `json:"threshold"`
}

// histModel maps function ids to histogram entries; it backs both the hbos
// and copod variants.
type histModel map[uint64]*histEntry

func (m histModel) at(fid uint64) *histEntry {
	e, ok := m[fid]
	if !ok {
		e = &histEntry{Threshold: math.Inf(-1)}
		m[fid] = e
	}
	return e
}

// merge rebins histograms onto the union domain and keeps the more stringent
// (larger) stored threshold.
func (m histModel) merge(o histModel, maxBins int) {
	for fid, oe := range o {
		e := m.at(fid)
		e.Hist.Merge(oe.Hist, maxBins)
		if oe.Threshold > e.Threshold {
			e.Threshold = oe.Threshold
		}
	}
}

// assign overwrites the entries present in the input.
func (m histModel) assign(o histModel) {
	for fid, oe := range o {
		cp := *oe
		m[fid] = &cp
	}
}

func (m histModel) clear() {
	for fid := range m {
		delete(m, fid)
	}
}

func marshalHistModel(algorithm Algorithm, m histModel) ([]byte, error) {
	funcs := make(map[string]*histEntry, len(m))
	for fid, e := range m {
		funcs[strconv.FormatUint(fid, 10)] = e
	}
	rawFuncs, err := json.Marshal(funcs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(modelEnvelope{Algorithm: algorithm, Version: modelVersion, Functions: rawFuncs})
}

func unmarshalHistModel(algorithm Algorithm, data []byte) (histModel, error) {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("detector/params", errs.KindInvalidInput, errs.WithCause(err))
	}
	if env.Algorithm != algorithm {
		return nil, errs.New("detector/params", errs.KindInvalidInput,
			errs.WithMessage("model algorithm mismatch"),
			errs.WithField("algorithm", string(env.Algorithm)))
	}
	funcs := make(map[string]*histEntry)
	if len(env.Functions) > 0 {
		if err := json.Unmarshal(env.Functions, &funcs); err != nil {
			return nil, errs.New("detector/params", errs.KindInvalidInput, errs.WithCause(err))
		}
	}
	out := make(histModel, len(funcs))
	for key, e := range funcs {
		fid, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, errs.New("detector/params", errs.KindInvalidInput,
				errs.WithMessage("malformed function id"),
				errs.WithField("key", key))
		}
		out[fid] = e
	}
	return out, nil
}

// histEntry serialises threshold infinities as nulls would break JSON; store
// the sentinel explicitly.
type histEntryState struct {
	Hist        stats.Histogram `json:"histogram"`
	Threshold   float64         `json:"threshold"`
	NoThreshold bool            `json:"no_threshold,omitempty"`
}

// MarshalJSON encodes the entry, flagging an unset threshold.
func (e histEntry) MarshalJSON() ([]byte, error) {
	st := histEntryState{Hist: e.Hist, Threshold: e.Threshold}
	if math.IsInf(e.Threshold, -1) {
		st.Threshold = 0
		st.NoThreshold = true
	}
	return json.Marshal(st)
}

// UnmarshalJSON restores the entry.
func (e *histEntry) UnmarshalJSON(data []byte) error {
	var st histEntryState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	e.Hist = st.Hist
	e.Threshold = st.Threshold
	if st.NoThreshold {
		e.Threshold = math.Inf(-1)
	}
	return nil
}
