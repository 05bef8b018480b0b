package detector

import (
	"math"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/schema"
)

// minStdDev floors the deviation so scores stay finite for constant-runtime
// functions.
const minStdDev = 1e-10

// sstd is the two-moment detector: per-function running statistics with a
// mean ± σ·stddev threshold.
type sstd struct {
	base
	global sstdModel
	local  sstdModel
}

func newSSTD(cfg Config) *sstd {
	if cfg.Sigma <= 0 {
		cfg.Sigma = 6.0
	}
	return &sstd{
		base:   base{cfg: cfg},
		global: make(sstdModel),
		local:  make(sstdModel),
	}
}

func (d *sstd) Algorithm() Algorithm { return AlgorithmSSTD }

// Run accumulates the step's statistics into the local increment,
// synchronises the model, then labels every execution against the global
// view.
func (d *sstd) Run(view map[uint64][]*schema.Execution, step int) (*Anomalies, error) {
	stepModel := make(sstdModel)
	for fid, execs := range view {
		rs := stepModel.at(fid)
		for _, x := range execs {
			rs.Push(d.cfg.Statistic.value(x))
		}
	}
	d.local.merge(stepModel)

	syncErr := d.updateGlobalModel(step)

	anomalies := NewAnomalies()
	for _, fid := range sortedKeys(view) {
		execs := view[fid]
		if len(execs) == 0 {
			continue
		}
		if d.ignored(execs[0].FuncName) {
			labelIgnored(anomalies, execs)
			continue
		}
		d.labelFunc(anomalies, fid, execs)
	}
	return anomalies, syncErr
}

func (d *sstd) labelFunc(a *Anomalies, fid uint64, execs []*schema.Execution) {
	fparam, ok := d.global[fid]
	sampled := 0
	if !ok || fparam.Count() < 2 {
		// Too few samples for a meaningful deviation; everything is normal.
		for _, x := range execs {
			x.Label = schema.LabelNormal
			x.Score = 0
			a.nTotal++
			a.sampleNormal(x, &sampled, d.cfg.NormalSampleCap)
		}
		return
	}

	sigma := d.thresholdFor(execs[0].FuncName, d.cfg.Sigma)
	mean := fparam.Mean()
	std := math.Max(fparam.StdDev(), minStdDev)
	thrHi := mean + sigma*std
	thrLo := mean - sigma*std

	for _, x := range execs {
		v := d.cfg.Statistic.value(x)
		x.Score = math.Abs(v-mean) / std
		if v < thrLo || v > thrHi {
			x.Label = schema.LabelOutlier
			a.RecordOutlier(x)
		} else {
			x.Label = schema.LabelNormal
			a.sampleNormal(x, &sampled, d.cfg.NormalSampleCap)
		}
		a.nTotal++
	}
}

// updateGlobalModel merges the local increment into the global view, via the
// parameter server when linked. A transport failure falls back to the local
// merge and is reported as transient.
func (d *sstd) updateGlobalModel(step int) error {
	defer func() { d.syncCalls++ }()
	if !d.shouldSync() {
		return nil
	}

	var transportErr error
	if d.client != nil {
		payload, err := marshalSSTDModel(d.local)
		if err != nil {
			return errs.New("detector/sstd", errs.KindInternal, errs.WithCause(err))
		}
		reply, err := d.client.SendAndReceiveParameters(step, payload)
		if err == nil {
			merged, perr := unmarshalSSTDModel(reply)
			if perr != nil {
				return perr
			}
			d.global.assign(merged)
			d.local.clear()
			d.syncDone++
			return nil
		}
		transportErr = errs.New("detector/sstd", errs.KindTransientIO,
			errs.WithMessage("parameter server unreachable, merging locally"),
			errs.WithCause(err))
	}

	d.global.merge(d.local)
	d.local.clear()
	d.syncDone++
	return transportErr
}

// GlobalModelJSON exposes the function's global statistics.
func (d *sstd) GlobalModelJSON(fid uint64) (json.RawMessage, bool) {
	rs, ok := d.global[fid]
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(rs)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func sortedKeys(view map[uint64][]*schema.Execution) []uint64 {
	keys := make([]uint64, 0, len(view))
	for fid := range view {
		keys = append(keys, fid)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
