package detector

import (
	"math"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/schema"
	"github.com/perfstream/anomalyd/internal/stats"
)

// scoreAlpha regularises the per-bin probability so empty bins score the
// finite maximum −log2(alpha).
const scoreAlpha = 78.88e-32

// binEdgeTolerance admits values within 5% of the bin width outside the
// histogram domain into the boundary bins.
const binEdgeTolerance = 0.05

// hbos is the histogram-based detector: per-bin scores −log2(p + α) with an
// outlier threshold placed as a fraction of the observed score range.
type hbos struct {
	base
	global histModel
	local  histModel
}

func newHBOS(cfg Config) *hbos {
	if cfg.MaxBins <= 0 {
		cfg.MaxBins = stats.DefaultMaxBins
	}
	return &hbos{
		base:   base{cfg: cfg},
		global: make(histModel),
		local:  make(histModel),
	}
}

func (d *hbos) Algorithm() Algorithm { return AlgorithmHBOS }

// Run builds this step's histograms, merges them into the local increment,
// synchronises, then labels against the global model.
func (d *hbos) Run(view map[uint64][]*schema.Execution, step int) (*Anomalies, error) {
	stepModel := make(histModel)
	for fid, execs := range view {
		values := make([]float64, 0, len(execs))
		for _, x := range execs {
			values = append(values, d.cfg.Statistic.value(x))
		}
		if len(values) == 0 {
			continue
		}
		e := stepModel.at(fid)
		e.Hist = stats.NewHistogram(values, d.cfg.MaxBins)
		// Step increments carry no threshold so the merge preserves the
		// stored global value.
		e.Threshold = 0
	}
	d.local.merge(stepModel, d.cfg.MaxBins)

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

func (d *hbos) labelFunc(a *Anomalies, fid uint64, execs []*schema.Execution) {
	entry, ok := d.global[fid]
	sampled := 0
	if !ok || entry.Hist.NumBins() == 0 {
		// The global update has not propagated yet; the model is unreliable,
		// so the set is skipped and everything labelled normal.
		for _, x := range execs {
			x.Label = schema.LabelNormal
			x.Score = 0
			a.nTotal++
			a.sampleNormal(x, &sampled, d.cfg.NormalSampleCap)
		}
		return
	}

	hist := entry.Hist
	counts := hist.Counts()
	total := hist.TotalCount()

	maxPossibleScore := -math.Log2(scoreAlpha)
	minScore := math.MaxFloat64
	maxScore := -math.MaxFloat64
	binScores := make([]float64, len(counts))
	for i, c := range counts {
		prob := float64(c) / float64(total)
		score := -math.Log2(prob + scoreAlpha)
		binScores[i] = score
		if prob > 0 {
			minScore = math.Min(minScore, score)
			maxScore = math.Max(maxScore, score)
		}
	}

	// Convert the configured fraction into a score threshold, tightening to
	// the stored global threshold when that mode is selected.
	tau := d.thresholdFor(execs[0].FuncName, d.cfg.Threshold)
	threshold := minScore + tau*(maxScore-minScore)
	if d.cfg.UseGlobalThreshold {
		if threshold < entry.Threshold {
			threshold = entry.Threshold
		} else {
			entry.Threshold = threshold
		}
	}

	for _, x := range execs {
		v := d.cfg.Statistic.value(x)
		bin := hist.Bin(v, binEdgeTolerance)
		if bin == stats.BinLeftOfHistogram || bin == stats.BinRightOfHistogram {
			x.Score = maxPossibleScore
		} else {
			x.Score = binScores[bin]
		}
		if x.Score >= threshold {
			x.Label = schema.LabelOutlier
			a.RecordOutlier(x)
		} else {
			x.Label = schema.LabelNormal
			a.sampleNormal(x, &sampled, d.cfg.NormalSampleCap)
		}
		a.nTotal++
	}
}

func (d *hbos) updateGlobalModel(step int) error {
	defer func() { d.syncCalls++ }()
	if !d.shouldSync() {
		return nil
	}

	var transportErr error
	if d.client != nil {
		payload, err := marshalHistModel(AlgorithmHBOS, d.local)
		if err != nil {
			return errs.New("detector/hbos", errs.KindInternal, errs.WithCause(err))
		}
		reply, err := d.client.SendAndReceiveParameters(step, payload)
		if err == nil {
			merged, perr := unmarshalHistModel(AlgorithmHBOS, reply)
			if perr != nil {
				return perr
			}
			d.global.assign(merged)
			d.local.clear()
			d.syncDone++
			return nil
		}
		transportErr = errs.New("detector/hbos", errs.KindTransientIO,
			errs.WithMessage("parameter server unreachable, merging locally"),
			errs.WithCause(err))
	}

	d.global.merge(d.local, d.cfg.MaxBins)
	d.local.clear()
	d.syncDone++
	return transportErr
}

// GlobalModelJSON exposes the function's histogram and stored threshold.
func (d *hbos) GlobalModelJSON(fid uint64) (json.RawMessage, bool) {
	entry, ok := d.global[fid]
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, false
	}
	return raw, true
}
