// Package driver sequences the per-rank analysis pipeline: fetch a trace
// step, assemble and insert events, classify, emit provenance, prune. The
// driver is single-threaded; background work is confined to the sink pool
// and the parameter-server sender.
package driver

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/config"
	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/assembler"
	"github.com/perfstream/anomalyd/internal/counters"
	"github.com/perfstream/anomalyd/internal/detector"
	"github.com/perfstream/anomalyd/internal/execution"
	"github.com/perfstream/anomalyd/internal/filter"
	"github.com/perfstream/anomalyd/internal/metadata"
	"github.com/perfstream/anomalyd/internal/observability"
	"github.com/perfstream/anomalyd/internal/provenance"
	"github.com/perfstream/anomalyd/internal/schema"
	"github.com/perfstream/anomalyd/internal/sink"
	"github.com/perfstream/anomalyd/internal/stream"
	"github.com/perfstream/anomalyd/internal/summary"
	"github.com/perfstream/anomalyd/internal/telemetry"
)

// StatsSender carries the per-step combined statistics payload to the
// parameter server.
type StatsSender interface {
	SendCombinedStats(step int, payload []byte) error
}

// Options inject the external collaborators.
type Options struct {
	Reader stream.Reader
	Sink   sink.Sink
	// SyncClient links the detector to the parameter server; nil keeps model
	// merges local.
	SyncClient detector.SyncClient
	// StatsSender ships combined statistics; nil skips the send.
	StatsSender StatsSender
	// Mapper rewrites local function ids to global ones; nil keeps them.
	Mapper assembler.IndexMapper
	// Metrics instruments the loop; nil disables instrumentation.
	Metrics *telemetry.PipelineMetrics
	// Filter suppresses provenance records; nil emits everything.
	Filter *filter.RecordFilter
	// ErrorLog counts recoverable errors; a fresh one is created when nil.
	ErrorLog *observability.ErrorLog
}

// Summary is the shutdown report.
type Summary struct {
	Frames            uint64
	FuncEvents        uint64
	CommEvents        uint64
	CounterEvents     uint64
	Outliers          uint64
	RecoverableErrors uint64
	UnmatchedCorrIDs  int
}

// Driver owns the step state machine for one rank.
type Driver struct {
	cfg  config.Settings
	opts Options

	attrs      stream.Attributes
	asm        *assembler.Assembler
	execs      *execution.Manager
	counters   *counters.Manager
	monitoring *counters.Monitoring
	registry   *metadata.Registry
	model      detector.Detector
	gatherer   *provenance.Gatherer
	errorLog   *observability.ErrorLog

	step        int
	firstTS     uint64
	lastTS      uint64
	firstTSSet  bool
	totals      Summary
	closed      bool
	newMetadata []stream.Metadata
}

// New wires the pipeline components from the configuration.
func New(cfg config.Settings, opts Options) (*Driver, error) {
	if opts.Reader == nil {
		return nil, errs.New("driver", errs.KindConfig, errs.WithMessage("trace reader is required"))
	}
	errorLog := opts.ErrorLog
	if errorLog == nil {
		errorLog = observability.NewErrorLog()
	}
	if opts.Metrics != nil {
		errorLog.SetObserver(opts.Metrics.RecoverableErrors.Inc)
	}

	attrs := stream.NewAttributes()
	registry := metadata.NewRegistry()

	monitoring := counters.NewMonitoring()
	if cfg.Detection.MonitoringWatchListFile != "" {
		if err := monitoring.LoadWatchListFile(cfg.Detection.MonitoringWatchListFile); err != nil {
			return nil, err
		}
	}
	if cfg.Detection.MonitoringCounterPrefix != "" {
		monitoring.SetCounterPrefix(cfg.Detection.MonitoringCounterPrefix)
	}

	ignoreCorr, err := loadNameSet(cfg.Detection.IgnoredCorrIDFuncFile)
	if err != nil {
		return nil, err
	}
	ignoreFuncs, err := loadNameSet(cfg.Detection.IgnoredFuncFile)
	if err != nil {
		return nil, err
	}
	var overrides map[string]float64
	if cfg.Detection.FuncThresholdFile != "" {
		overrides, err = detector.LoadThresholdOverrides(cfg.Detection.FuncThresholdFile)
		if err != nil {
			return nil, err
		}
	}

	execs := execution.NewManager(execution.Options{
		Rank:                   cfg.Rank,
		FuncNames:              attrs.Timers,
		CounterNames:           attrs.Counters,
		CorrelationCounterName: assembler.CorrelationCounterName,
		IsGPUThread:            registry.IsGPUThread,
		IgnoreCounter:          monitoring.Watched,
		IgnoreCorrelationFuncs: ignoreCorr,
	})

	model, err := detector.New(detector.Config{
		Algorithm:          detector.Algorithm(cfg.Detection.Algorithm),
		Statistic:          detector.Statistic(cfg.Detection.OutlierStatistic),
		Rank:               cfg.Rank,
		SyncFrequency:      cfg.Detection.GlobalModelSyncFreq,
		Sigma:              cfg.Detection.OutlierSigma,
		Threshold:          cfg.Detection.HbosThreshold,
		UseGlobalThreshold: cfg.Detection.HbosUseGlobalThres,
		MaxBins:            cfg.Detection.HbosMaxBins,
		NormalSampleCap:    cfg.Detection.NormalSampleCap,
		IgnoreFuncs:        ignoreFuncs,
		ThresholdOverrides: overrides,
	})
	if err != nil {
		return nil, err
	}
	if opts.SyncClient != nil {
		model.SetClient(opts.SyncClient)
	}

	counterMgr := counters.NewManager(attrs.Counters)
	gatherer := provenance.NewGatherer(cfg.Program, execs, model, registry, monitoring,
		cfg.Prov.AnomWinSize, cfg.Prov.MinAnomTime)

	return &Driver{
		cfg:  cfg,
		opts: opts,
		asm: assembler.New(assembler.Options{
			Rank:         cfg.Rank,
			OverrideRank: cfg.OverrideRank,
			Mapper:       opts.Mapper,
		}),
		attrs:      attrs,
		execs:      execs,
		counters:   counterMgr,
		monitoring: monitoring,
		registry:   registry,
		model:      model,
		gatherer:   gatherer,
		errorLog:   errorLog,
		step:       -1,
	}, nil
}

// Run drives steps until the stream ends, the context is cancelled, or the
// frame bound is reached, then reports the summary.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	if d.cfg.Trace.MaxFrames == 0 {
		return d.finish(), nil
	}
	for {
		ok, err := d.RunStep(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			if errs.KindOf(err) == errs.KindFatalIO {
				break
			}
			d.errorLog.Record("driver", err)
		}
		if !ok {
			break
		}
		d.totals.Frames++
		if d.cfg.Trace.OneFrame {
			break
		}
		if d.cfg.Trace.MaxFrames > 0 && d.totals.Frames >= uint64(d.cfg.Trace.MaxFrames) {
			break
		}
		if d.cfg.Trace.IntervalMsec > 0 {
			select {
			case <-ctx.Done():
				return d.finish(), nil
			case <-time.After(time.Duration(d.cfg.Trace.IntervalMsec) * time.Millisecond):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return d.finish(), nil
}

// RunStep executes one pass of the state machine. It returns false when the
// stream has ended.
func (d *Driver) RunStep(ctx context.Context) (bool, error) {
	if d.closed {
		return false, nil
	}
	// Fetching.
	step, data, err := d.fetch(ctx)
	if err != nil {
		d.closed = true
		return false, err
	}
	stepStart := time.Now()
	d.step = step

	report := d.cfg.Trace.StepReportFreq > 0 && step%d.cfg.Trace.StepReportFreq == 0
	if report {
		observability.Log().Info("commencing step",
			observability.Field{Key: "step", Value: step},
			observability.Field{Key: "func_events", Value: len(data.FuncData)},
			observability.Field{Key: "comm_events", Value: len(data.CommData)},
			observability.Field{Key: "counter_events", Value: len(data.CounterData)})
	}

	// Assembling.
	if _, err := d.assemble(data); err != nil {
		d.errorLog.Record("assembler", err)
	}

	// Classifying, Emitting, Pruning on analysis steps.
	if step%d.cfg.Detection.AnalysisStepFreq == 0 {
		d.analyze(step, report)
	}

	if d.opts.Metrics != nil {
		d.opts.Metrics.ObserveStep(
			uint64(len(data.FuncData)), uint64(len(data.CommData)), uint64(len(data.CounterData)),
			time.Since(stepStart).Seconds())
		if s, ok := d.opts.Sink.(*sink.AsyncSink); ok && s != nil {
			d.opts.Metrics.SinkPending.Set(float64(s.Pending()))
		}
	}
	return true, nil
}

// fetch runs the Fetching state: begin step, refresh attributes, retrieve
// the arrays, release the buffer early.
func (d *Driver) fetch(ctx context.Context) (int, stream.StepData, error) {
	step, err := d.opts.Reader.BeginStep(ctx, d.cfg.Trace.BeginStepTimeout)
	if err != nil {
		return 0, stream.StepData{}, err
	}
	if step != d.step+1 && d.step >= 0 {
		d.errorLog.Record("driver", errs.New("driver", errs.KindInvalidInput,
			errs.WithMessage("unexpected step index"),
			errs.WithField("got", itoa(step)),
			errs.WithField("expected", itoa(d.step+1))))
	}
	data, err := d.opts.Reader.Fetch()
	if err != nil {
		return 0, stream.StepData{}, err
	}
	// Attribute tables are grow-only; merging keeps references held by the
	// managers valid.
	d.attrs.MergeFrom(data.Attributes)
	d.registry.Add(data.Metadata)
	d.newMetadata = data.Metadata
	if err := d.opts.Reader.EndStep(); err != nil {
		d.errorLog.Record("driver", err)
	}

	d.totals.FuncEvents += uint64(len(data.FuncData))
	d.totals.CommEvents += uint64(len(data.CommData))
	d.totals.CounterEvents += uint64(len(data.CounterData))
	return step, data, nil
}

// assemble runs the Assembling state: counter registration, monitoring
// extraction, event merge, and insertion into the execution manager.
func (d *Driver) assemble(data stream.StepData) (assembler.Assembly, error) {
	asm, err := d.asm.Assemble(data, d.attrs)
	if err != nil {
		return asm, err
	}
	for _, aerr := range asm.Errors {
		d.errorLog.Record("assembler", aerr)
	}
	if asm.ExcessCorrelationIDs > 0 {
		d.errorLog.Record("assembler", errs.New("assembler", errs.KindInvalidInput,
			errs.WithMessage("correlation ids exceeding same-timestamp entries"),
			errs.WithField("count", itoa(asm.ExcessCorrelationIDs))))
	}

	// Counter series feed the counter manager regardless of attachment.
	d.execs.BeginStep(data.Step)
	for _, tid := range asm.Threads {
		for _, e := range asm.ByThread[tid] {
			if e.Kind == schema.KindCounter {
				if cerr := d.counters.Add(e); cerr != nil {
					d.errorLog.Record("counters", cerr)
				}
			}
		}
	}
	// Monitoring claims its counters before attachment so the execution
	// manager can skip them.
	d.monitoring.Extract(d.counters)

	for _, tid := range asm.Threads {
		for _, e := range asm.ByThread[tid] {
			if aerr := d.execs.AddEvent(e); aerr != nil {
				d.errorLog.Record("execution", aerr)
			}
		}
	}

	if asm.HasEvents {
		d.lastTS = asm.LastTS
		if !d.firstTSSet {
			d.firstTS = asm.FirstTS
			d.firstTSSet = true
		}
	}
	return asm, nil
}

// analyze runs the Classifying, Emitting and Pruning states.
func (d *Driver) analyze(step int, report bool) {
	view := d.execs.ExecView()
	anomalies, err := d.model.Run(view, step)
	if err != nil {
		d.errorLog.Record("detector", err)
	}
	if anomalies == nil {
		return
	}
	d.totals.Outliers += uint64(anomalies.NumOutliers())
	if d.opts.Metrics != nil {
		d.opts.Metrics.ObserveAnomalies(anomalies.NumOutliers())
	}
	if report {
		observability.Log().Info("analysis complete",
			observability.Field{Key: "step", Value: step},
			observability.Field{Key: "analyzed", Value: anomalies.NumAnalyzed()},
			observability.Field{Key: "anomalous", Value: anomalies.NumOutliers()})
	}

	d.emit(view, anomalies, step)

	// Pruning.
	purge := d.execs.PurgeCallList(d.cfg.Prov.AnomWinSize)
	d.counters.FlushStep()
	d.firstTSSet = false
	if d.opts.Metrics != nil {
		d.opts.Metrics.PurgedIntervals.Add(float64(purge.Purged))
		d.opts.Metrics.RetainedIntervals.Set(float64(d.execs.CallListSize()))
	}
}

// emit runs the Emitting state: provenance records to the sink and the
// combined statistics payload to the parameter server.
func (d *Driver) emit(view map[uint64][]*schema.Execution, anomalies *detector.Anomalies, step int) {
	if d.withinRecordWindow(step) && d.opts.Sink != nil {
		outliers, normals, gerrs := d.gatherer.Gather(anomalies, step, d.firstTS, d.lastTS)
		for _, gerr := range gerrs {
			d.errorLog.Record("provenance", gerr)
		}
		d.sendRecords(sink.KindAnomalies, step, outliers, true)
		d.sendRecords(sink.KindNormalExecs, step, normals, false)
		if len(d.newMetadata) > 0 {
			d.sendRecords(sink.KindMetadata, step, d.gatherer.MetadataRecords(d.newMetadata, step), false)
		}
	}

	if d.opts.StatsSender != nil {
		combined := summary.CombinedStats{
			FuncProfiles: summary.GatherFuncProfiles(d.cfg.Program, view, anomalies),
			CounterStats: summary.GatherCounterProfiles(d.counters),
			Metrics: summary.AnomalyMetrics{
				Program:   d.cfg.Program,
				Rank:      d.cfg.Rank,
				Step:      step,
				FirstTS:   d.firstTS,
				LastTS:    d.lastTS,
				Outliers:  anomalies.NumOutliers(),
				Analyzed:  anomalies.NumAnalyzed(),
				NewEvents: anomalies.NumAnalyzed(),
			},
		}
		payload, err := combined.Marshal()
		if err != nil {
			d.errorLog.Record("summary", err)
		} else if err := d.opts.StatsSender.SendCombinedStats(step, payload); err != nil {
			d.errorLog.Record("psnet", err)
		}
	}
}

func (d *Driver) sendRecords(kind sink.Kind, step int, records any, filtered bool) {
	var raw []json.RawMessage
	var err error
	switch rs := records.(type) {
	case []provenance.Record:
		raw, err = sink.MarshalRecords(rs)
	case []provenance.MetadataRecord:
		raw, err = sink.MarshalRecords(rs)
	default:
		return
	}
	if err != nil {
		d.errorLog.Record("sink", errs.New("driver", errs.KindInternal, errs.WithCause(err)))
		return
	}
	if len(raw) == 0 {
		return
	}
	if filtered && d.opts.Filter != nil {
		kept, rejected, ferr := d.opts.Filter.Apply(raw)
		if ferr != nil {
			d.errorLog.Record("filter", ferr)
		} else {
			raw = kept
			if rejected > 0 {
				observability.Log().Debug("filter rejected records",
					observability.Field{Key: "count", Value: rejected})
			}
		}
	}
	if len(raw) == 0 {
		return
	}
	if err := d.opts.Sink.Send(sink.Batch{Kind: kind, Step: step, Records: raw}); err != nil {
		d.errorLog.Record("sink", err)
	}
}

func (d *Driver) withinRecordWindow(step int) bool {
	if d.cfg.Prov.RecordStartStep >= 0 && step < d.cfg.Prov.RecordStartStep {
		return false
	}
	if d.cfg.Prov.RecordStopStep >= 0 && step > d.cfg.Prov.RecordStopStep {
		return false
	}
	return true
}

// finish drains the workers and assembles the shutdown summary.
func (d *Driver) finish() Summary {
	unmatched := d.execs.DrainUnmatched()
	for corrID, execID := range unmatched {
		d.errorLog.Record("execution", errs.New("execution", errs.KindInvalidInput,
			errs.WithMessage("unmatched correlation id at stream end"),
			errs.WithField("corr_id", utoa(corrID)),
			errs.WithField("event", execID.String())))
	}
	if d.opts.Sink != nil {
		if err := d.opts.Sink.Drain(time.Now().Add(30 * time.Second)); err != nil {
			d.errorLog.Record("sink", err)
		}
	}
	d.totals.UnmatchedCorrIDs = len(unmatched)
	d.totals.RecoverableErrors = d.errorLog.Total()

	observability.Log().Info("run complete",
		observability.Field{Key: "frames", Value: d.totals.Frames},
		observability.Field{Key: "anomalies", Value: d.totals.Outliers},
		observability.Field{Key: "func_events", Value: d.totals.FuncEvents},
		observability.Field{Key: "comm_events", Value: d.totals.CommEvents},
		observability.Field{Key: "counter_events", Value: d.totals.CounterEvents},
		observability.Field{Key: "recoverable_errors", Value: d.totals.RecoverableErrors})
	return d.totals
}

func loadNameSet(path string) (map[string]struct{}, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := readLines(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(raw))
	for _, name := range raw {
		out[name] = struct{}{}
	}
	return out, nil
}
