package provenance

import (
	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/counters"
	"github.com/perfstream/anomalyd/internal/detector"
	"github.com/perfstream/anomalyd/internal/execution"
	"github.com/perfstream/anomalyd/internal/metadata"
	"github.com/perfstream/anomalyd/internal/schema"
	"github.com/perfstream/anomalyd/internal/stream"
)

// Gatherer assembles provenance records around classified executions. It
// reads GPU device bindings from the metadata registry.
type Gatherer struct {
	program    uint64
	execs      *execution.Manager
	model      detector.Detector
	registry   *metadata.Registry
	monitoring *counters.Monitoring

	// windowSize is the call-window radius: up to windowSize preceding and
	// windowSize+1 following executions.
	windowSize int
	// minAnomalyTime suppresses records for executions whose exclusive
	// runtime falls below it, cutting short-noise anomalies.
	minAnomalyTime uint64
}

// NewGatherer constructs a gatherer over the pipeline components.
func NewGatherer(program uint64, execs *execution.Manager, model detector.Detector,
	registry *metadata.Registry, monitoring *counters.Monitoring,
	windowSize int, minAnomalyTime uint64) *Gatherer {
	return &Gatherer{
		program:        program,
		execs:          execs,
		model:          model,
		registry:       registry,
		monitoring:     monitoring,
		windowSize:     windowSize,
		minAnomalyTime: minAnomalyTime,
	}
}

// Gather produces records for every flagged outlier and for the sampled
// normal executions. Executions failing an internal lookup are dropped from
// provenance (not from the model) and reported in errors.
func (g *Gatherer) Gather(anomalies *detector.Anomalies, step int, stepStart, stepEnd uint64) (outliers, normals []Record, errors []error) {
	for _, execs := range anomalies.Outliers() {
		for _, x := range execs {
			if x.Exclusive() < g.minAnomalyTime {
				continue
			}
			rec, err := g.record(x, step, stepStart, stepEnd)
			if err != nil {
				errors = append(errors, err)
				continue
			}
			outliers = append(outliers, rec)
		}
	}
	for _, x := range anomalies.SampledNormals() {
		if x.Exclusive() < g.minAnomalyTime {
			continue
		}
		rec, err := g.record(x, step, stepStart, stepEnd)
		if err != nil {
			errors = append(errors, err)
			continue
		}
		normals = append(normals, rec)
	}
	return outliers, normals, errors
}

// MetadataRecords converts new metadata attributes into provenance records.
func (g *Gatherer) MetadataRecords(entries []stream.Metadata, step int) []MetadataRecord {
	out := make([]MetadataRecord, 0, len(entries))
	for _, md := range entries {
		out = append(out, MetadataRecord{
			Program: g.program,
			Rank:    md.Rank,
			Thread:  md.Thread,
			Key:     md.Key,
			Value:   md.Value,
			IOStep:  step,
		})
	}
	return out
}

func (g *Gatherer) record(x *schema.Execution, step int, stepStart, stepEnd uint64) (Record, error) {
	stack, err := g.callStack(x)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Program:          x.Program,
		Rank:             x.Rank,
		Thread:           x.Thread,
		EventID:          x.ID.String(),
		FuncID:           x.FuncID,
		Func:             x.FuncName,
		Entry:            x.Entry,
		Exit:             x.Exit,
		RuntimeTotal:     x.Inclusive(),
		RuntimeExclusive: x.Exclusive(),
		Label:            x.Label.String(),
		Score:            x.Score,
		CallStack:        stack,
		CounterEvents:    x.Counters,
		IOStep:           step,
		IOStepStart:      stepStart,
		IOStepEnd:        stepEnd,
	}
	if rec.CounterEvents == nil {
		rec.CounterEvents = []schema.CounterSample{}
	}
	if raw, ok := g.model.GlobalModelJSON(x.FuncID); ok {
		rec.FuncStats = raw
	}
	if g.monitoring != nil {
		rec.NodeState = g.monitoring.State()
	}

	if err := g.attachGPUContext(&rec, x); err != nil {
		return Record{}, err
	}
	g.attachWindow(&rec, x)
	return rec, nil
}

// callStack walks the parent links up to the synthetic root.
func (g *Gatherer) callStack(x *schema.Execution) ([]Frame, error) {
	stack := []Frame{frameOf(x)}
	parent := x.Parent
	for !parent.IsRoot() {
		p, ok := g.execs.Lookup(parent)
		if !ok {
			return nil, errs.New("provenance", errs.KindInternal,
				errs.WithMessage("parent lookup failed for retained interval"),
				errs.WithField("parent", parent.String()),
				errs.WithField("event", x.ID.String()))
		}
		stack = append(stack, frameOf(p))
		parent = p.Parent
	}
	return stack, nil
}

// attachGPUContext fills the device binding and the CPU launch context for
// GPU executions.
func (g *Gatherer) attachGPUContext(rec *Record, x *schema.Execution) error {
	if g.registry == nil || !g.registry.IsGPUThread(x.Thread) {
		return nil
	}
	rec.IsGPUEvent = true
	if binding, ok := g.registry.ThreadBinding(x.Thread); ok {
		rec.GPULocation = &binding
	}
	if len(x.CorrPartners) == 0 {
		return nil
	}
	if len(x.CorrPartners) != 1 {
		return errs.New("provenance", errs.KindInternal,
			errs.WithMessage("gpu execution with multiple correlation partners"),
			errs.WithField("event", x.ID.String()))
	}
	parent := &GPUParent{EventID: x.CorrPartners[0].String()}
	if launcher, ok := g.execs.Lookup(x.CorrPartners[0]); ok {
		parent.Thread = launcher.Thread
		stack, err := g.callStack(launcher)
		if err == nil {
			parent.CallStack = stack
		}
	}
	rec.GPUParent = parent
	return nil
}

// attachWindow captures the surrounding executions and their messages.
func (g *Gatherer) attachWindow(rec *Record, x *schema.Execution) {
	rec.EventWindow = Window{ExecWindow: []WindowEntry{}, CommWindow: []schema.Message{}}
	window, err := g.execs.CallWindow(x.ID, g.windowSize)
	if err != nil {
		// The window is contextual; its absence does not invalidate the record.
		return
	}
	for _, w := range window {
		rec.EventWindow.ExecWindow = append(rec.EventWindow.ExecWindow, WindowEntry{
			FuncID:    w.FuncID,
			Func:      w.FuncName,
			EventID:   w.ID.String(),
			Entry:     w.Entry,
			Exit:      w.Exit,
			ParentID:  w.Parent.String(),
			IsAnomaly: w.Label == schema.LabelOutlier,
		})
		rec.EventWindow.CommWindow = append(rec.EventWindow.CommWindow, w.Messages...)
	}
}

func frameOf(x *schema.Execution) Frame {
	return Frame{
		FuncID:    x.FuncID,
		Func:      x.FuncName,
		Entry:     x.Entry,
		Exit:      x.Exit,
		EventID:   x.ID.String(),
		IsAnomaly: x.Label == schema.LabelOutlier,
	}
}
