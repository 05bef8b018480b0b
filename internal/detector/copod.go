package detector

import (
	"math"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/schema"
	"github.com/perfstream/anomalyd/internal/stats"
)

// copod is the copula-based detector: left- and right-tailed empirical CDFs
// over the function's histogram, skewness-corrected, with a threshold placed
// as a fraction of the score range observed across the bins.
type copod struct {
	base
	global histModel
	local  histModel
}

func newCOPOD(cfg Config) *copod {
	if cfg.MaxBins <= 0 {
		cfg.MaxBins = stats.DefaultMaxBins
	}
	return &copod{
		base:   base{cfg: cfg},
		global: make(histModel),
		local:  make(histModel),
	}
}

func (d *copod) Algorithm() Algorithm { return AlgorithmCOPOD }

// Run builds this step's histograms, merges them into the local increment,
// synchronises, then labels against the global model.
func (d *copod) Run(view map[uint64][]*schema.Execution, step int) (*Anomalies, error) {
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

// copodScore evaluates one value: the larger of the averaged tail scores and
// the skewness-corrected combination.
func copodScore(v float64, hist, nhist stats.Histogram, pSign, nSign float64) float64 {
	left := hist.EmpiricalCDF(v)
	right := nhist.EmpiricalCDF(-v)

	// The first edge sits just below the minimum, so the CDF of the minimum
	// is exactly zero; shift by 1/N for values at or above it to keep new
	// minima from always scoring as outliers.
	total := float64(hist.TotalCount())
	if total > 0 && v >= hist.Min() {
		left = math.Min(1, left+1/total)
	}
	ntotal := float64(nhist.TotalCount())
	if ntotal > 0 && -v >= nhist.Min() {
		right = math.Min(1, right+1/ntotal)
	}

	leftScore := -math.Log2(left + scoreAlpha)
	rightScore := -math.Log2(right + scoreAlpha)
	avg := 0.5 * (leftScore + rightScore)
	corrected := leftScore*-pSign + rightScore*nSign
	return math.Max(avg, corrected)
}

func (d *copod) labelFunc(a *Anomalies, fid uint64, execs []*schema.Execution) {
	entry, ok := d.global[fid]
	sampled := 0
	if !ok || entry.Hist.NumBins() == 0 {
		for _, x := range execs {
			x.Label = schema.LabelNormal
			x.Score = 0
			a.nTotal++
			a.sampleNormal(x, &sampled, d.cfg.NormalSampleCap)
		}
		return
	}

	hist := entry.Hist
	nhist := hist.Negated()

	skewness := hist.Skewness()
	pSign := sign(skewness - 1)
	nSign := sign(skewness + 1)

	// Score range over the bin midpoints fixes the outlier threshold.
	minScore := -math.Log2(scoreAlpha)
	maxScore := math.Log2(1+scoreAlpha) - minScore
	for b := 0; b < hist.NumBins(); b++ {
		s := copodScore(hist.BinValue(b), hist, nhist, pSign, nSign)
		minScore = math.Min(minScore, s)
		maxScore = math.Max(maxScore, s)
	}

	tau := d.thresholdFor(execs[0].FuncName, d.cfg.Threshold)
	var threshold float64
	if maxScore < 0 {
		threshold = -tau * (maxScore - minScore)
	} else {
		threshold = minScore + tau*(maxScore-minScore)
	}
	if d.cfg.UseGlobalThreshold {
		stored := entry.Threshold
		if threshold < stored && stored > -math.Log2(1.00001) {
			threshold = stored
		} else {
			entry.Threshold = threshold
		}
	}

	for _, x := range execs {
		v := d.cfg.Statistic.value(x)
		x.Score = copodScore(v, hist, nhist, pSign, nSign)
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

func (d *copod) updateGlobalModel(step int) error {
	defer func() { d.syncCalls++ }()
	if !d.shouldSync() {
		return nil
	}

	var transportErr error
	if d.client != nil {
		payload, err := marshalHistModel(AlgorithmCOPOD, d.local)
		if err != nil {
			return errs.New("detector/copod", errs.KindInternal, errs.WithCause(err))
		}
		reply, err := d.client.SendAndReceiveParameters(step, payload)
		if err == nil {
			merged, perr := unmarshalHistModel(AlgorithmCOPOD, reply)
			if perr != nil {
				return perr
			}
			d.global.assign(merged)
			d.local.clear()
			d.syncDone++
			return nil
		}
		transportErr = errs.New("detector/copod", errs.KindTransientIO,
			errs.WithMessage("parameter server unreachable, merging locally"),
			errs.WithCause(err))
	}

	d.global.merge(d.local, d.cfg.MaxBins)
	d.local.clear()
	d.syncDone++
	return transportErr
}

// GlobalModelJSON exposes the function's histogram and stored threshold.
func (d *copod) GlobalModelJSON(fid uint64) (json.RawMessage, bool) {
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

func sign(v float64) float64 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}
