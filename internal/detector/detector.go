// Package detector implements the pluggable statistical outlier models:
// two-moment (sstd), histogram-based (hbos) and copula-based (copod), with
// periodic synchronisation of the local model increment against the
// parameter server.
package detector

import (
	"os"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/schema"
)

// Algorithm names a detector variant.
type Algorithm string

const (
	// AlgorithmSSTD is the two-moment detector.
	AlgorithmSSTD Algorithm = "sstd"
	// AlgorithmHBOS is the histogram-based detector.
	AlgorithmHBOS Algorithm = "hbos"
	// AlgorithmCOPOD is the copula-based detector.
	AlgorithmCOPOD Algorithm = "copod"
)

// Statistic selects the execution value the model classifies.
type Statistic string

const (
	// StatExclusive classifies the exclusive runtime.
	StatExclusive Statistic = "exclusive_runtime"
	// StatInclusive classifies the inclusive runtime.
	StatInclusive Statistic = "inclusive_runtime"
)

// value extracts the configured statistic from an execution.
func (s Statistic) value(x *schema.Execution) float64 {
	if s == StatInclusive {
		return float64(x.Inclusive())
	}
	return float64(x.Exclusive())
}

// SyncClient carries a serialised model increment to the parameter server
// and returns the merged global state for the functions in the increment.
type SyncClient interface {
	SendAndReceiveParameters(step int, payload []byte) ([]byte, error)
}

// Config carries the algorithm selection and tuning options.
type Config struct {
	Algorithm Algorithm
	Statistic Statistic
	// Rank staggers model synchronisation across analysis processes.
	Rank uint64
	// SyncFrequency is the number of classification passes between model
	// synchronisations; 0 disables syncing entirely.
	SyncFrequency int

	// Sigma is the SSTD threshold in standard deviations.
	Sigma float64
	// Threshold is the HBOS/COPOD score-range fraction in (0,1).
	Threshold float64
	// UseGlobalThreshold selects the stored-threshold tightening mode.
	UseGlobalThreshold bool
	// MaxBins caps histogram resolution.
	MaxBins int

	// NormalSampleCap bounds the Normal executions recorded per function per
	// classification for provenance sampling.
	NormalSampleCap int

	// IgnoreFuncs lists function names excluded from detection.
	IgnoreFuncs map[string]struct{}
	// ThresholdOverrides maps function names to per-function thresholds
	// (sigma for sstd, score fraction for hbos/copod).
	ThresholdOverrides map[string]float64
}

// Detector is the classification contract shared by all variants.
type Detector interface {
	// Algorithm reports the variant.
	Algorithm() Algorithm
	// Run classifies the executions grouped by function id, synchronising
	// the model beforehand on scheduled steps. Labels and scores are written
	// into the executions.
	Run(view map[uint64][]*schema.Execution, step int) (*Anomalies, error)
	// SetClient links the parameter-server client; without one the local
	// increment merges into the local global view.
	SetClient(c SyncClient)
	// GlobalModelJSON returns the global model parameters for a function,
	// for the provenance stats snapshot.
	GlobalModelJSON(fid uint64) (json.RawMessage, bool)
	// SyncCount reports how many synchronisations have been performed.
	SyncCount() int
}

// New constructs the configured detector variant.
func New(cfg Config) (Detector, error) {
	if cfg.Statistic == "" {
		cfg.Statistic = StatExclusive
	}
	if cfg.Statistic != StatExclusive && cfg.Statistic != StatInclusive {
		return nil, errs.New("detector", errs.KindConfig,
			errs.WithMessage("invalid outlier statistic"),
			errs.WithField("statistic", string(cfg.Statistic)))
	}
	if cfg.NormalSampleCap < 0 {
		cfg.NormalSampleCap = 0
	}
	switch cfg.Algorithm {
	case AlgorithmSSTD:
		return newSSTD(cfg), nil
	case AlgorithmHBOS:
		if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
			return nil, errs.New("detector", errs.KindConfig,
				errs.WithMessage("hbos threshold must lie in (0,1)"))
		}
		return newHBOS(cfg), nil
	case AlgorithmCOPOD:
		if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
			return nil, errs.New("detector", errs.KindConfig,
				errs.WithMessage("copod threshold must lie in (0,1)"))
		}
		return newCOPOD(cfg), nil
	default:
		return nil, errs.New("detector", errs.KindConfig,
			errs.WithMessage("invalid algorithm"),
			errs.WithField("algorithm", string(cfg.Algorithm)))
	}
}

// LoadThresholdOverrides reads a JSON array of {"fname": ..., "threshold": ...}
// objects into the per-function override table.
func LoadThresholdOverrides(path string) (map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("detector", errs.KindConfig,
			errs.WithMessage("unreadable threshold override file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	var entries []struct {
		FName     string  `json:"fname"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.New("detector", errs.KindConfig,
			errs.WithMessage("malformed threshold override file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.FName] = e.Threshold
	}
	return out, nil
}

// Anomalies collects the classification outcome of one analysis pass.
type Anomalies struct {
	outliers map[uint64][]*schema.Execution
	normals  []*schema.Execution
	nTotal   int
	nOutlier int
}

// NewAnomalies constructs an empty result set. Detectors populate it during
// Run; tests and the aggregator may assemble one directly.
func NewAnomalies() *Anomalies {
	return &Anomalies{outliers: make(map[uint64][]*schema.Execution)}
}

// RecordOutlier registers a flagged execution.
func (a *Anomalies) RecordOutlier(x *schema.Execution) {
	a.outliers[x.FuncID] = append(a.outliers[x.FuncID], x)
	a.nOutlier++
}

// RecordNormalSample registers a sampled normal execution.
func (a *Anomalies) RecordNormalSample(x *schema.Execution) {
	a.normals = append(a.normals, x)
}

// Outliers returns the flagged executions grouped by function id.
func (a *Anomalies) Outliers() map[uint64][]*schema.Execution { return a.outliers }

// OutliersForFunc returns the flagged executions of one function.
func (a *Anomalies) OutliersForFunc(fid uint64) []*schema.Execution { return a.outliers[fid] }

// SampledNormals returns the capped sample of normal executions recorded for
// provenance.
func (a *Anomalies) SampledNormals() []*schema.Execution { return a.normals }

// NumOutliers returns the number of executions labelled Outlier.
func (a *Anomalies) NumOutliers() int { return a.nOutlier }

// NumAnalyzed returns the number of executions classified in the pass.
func (a *Anomalies) NumAnalyzed() int { return a.nTotal }

// base carries the behaviour shared by the detector variants: sync gating,
// ignore lists and normal sampling.
type base struct {
	cfg       Config
	client    SyncClient
	syncCalls int
	syncDone  int
}

func (b *base) SetClient(c SyncClient) { b.client = c }

// SyncCount reports completed synchronisations.
func (b *base) SyncCount() int { return b.syncDone }

// shouldSync gates the merge: always on the first classification pass, then
// staggered over ranks by (count + rank) mod frequency.
func (b *base) shouldSync() bool {
	if b.cfg.SyncFrequency <= 0 {
		return false
	}
	return b.syncCalls == 0 || (b.syncCalls+int(b.cfg.Rank))%b.cfg.SyncFrequency == 0
}

func (b *base) ignored(funcName string) bool {
	_, ok := b.cfg.IgnoreFuncs[funcName]
	return ok
}

func (b *base) thresholdFor(funcName string, fallback float64) float64 {
	if t, ok := b.cfg.ThresholdOverrides[funcName]; ok {
		return t
	}
	return fallback
}

// labelIgnored marks a whole function's executions Normal with zero score.
func labelIgnored(a *Anomalies, execs []*schema.Execution) {
	for _, x := range execs {
		x.Label = schema.LabelNormal
		x.Score = 0
		a.nTotal++
	}
}

// sampleNormal records up to limit normal executions per function.
func (a *Anomalies) sampleNormal(x *schema.Execution, recorded *int, limit int) {
	if *recorded >= limit {
		return
	}
	a.normals = append(a.normals, x)
	*recorded++
}
