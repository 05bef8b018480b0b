package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics instruments the per-rank step loop.
type PipelineMetrics struct {
	StepsTotal         prometheus.Counter
	EventsTotal        *prometheus.CounterVec
	AnomaliesTotal     prometheus.Counter
	RecoverableErrors  prometheus.Counter
	PurgedIntervals    prometheus.Counter
	RetainedIntervals  prometheus.Gauge
	SinkPending        prometheus.Gauge
	StepDurationSecond prometheus.Histogram

	otelSteps     metric.Int64Counter
	otelAnomalies metric.Int64Counter
	rankAttr      attribute.KeyValue
}

// NewPipelineMetrics registers the collectors on the registry and builds the
// matching otel instruments.
func NewPipelineMetrics(reg *prometheus.Registry, rank uint64) *PipelineMetrics {
	m := &PipelineMetrics{
		StepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_steps_total",
			Help: "Trace steps processed.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anomalyd_events_total",
			Help: "Events consumed, by kind.",
		}, []string{"kind"}),
		AnomaliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_anomalies_total",
			Help: "Executions labelled as outliers.",
		}),
		RecoverableErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_recoverable_errors_total",
			Help: "Recoverable errors counted and skipped.",
		}),
		PurgedIntervals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_purged_intervals_total",
			Help: "Closed intervals removed by the call-list purge.",
		}),
		RetainedIntervals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anomalyd_retained_intervals",
			Help: "Closed intervals retained after the last purge.",
		}),
		SinkPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anomalyd_sink_pending_batches",
			Help: "Provenance batches queued for delivery.",
		}),
		StepDurationSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anomalyd_step_duration_seconds",
			Help:    "Wall time per analysis step, excluding the stream wait.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		rankAttr: attribute.Int64("rank", int64(rank)),
	}
	if reg != nil {
		reg.MustRegister(
			m.StepsTotal, m.EventsTotal, m.AnomaliesTotal, m.RecoverableErrors,
			m.PurgedIntervals, m.RetainedIntervals, m.SinkPending, m.StepDurationSecond,
		)
	}

	meter := otel.Meter("anomalyd/pipeline")
	m.otelSteps, _ = meter.Int64Counter("anomalyd.steps")
	m.otelAnomalies, _ = meter.Int64Counter("anomalyd.anomalies")
	return m
}

// ObserveStep records one completed step.
func (m *PipelineMetrics) ObserveStep(funcEvents, commEvents, counterEvents uint64, seconds float64) {
	m.StepsTotal.Inc()
	m.EventsTotal.WithLabelValues("func").Add(float64(funcEvents))
	m.EventsTotal.WithLabelValues("comm").Add(float64(commEvents))
	m.EventsTotal.WithLabelValues("counter").Add(float64(counterEvents))
	m.StepDurationSecond.Observe(seconds)
	if m.otelSteps != nil {
		m.otelSteps.Add(contextless(), 1, metric.WithAttributes(m.rankAttr))
	}
}

// ObserveAnomalies records the outcome of one analysis pass.
func (m *PipelineMetrics) ObserveAnomalies(n int) {
	m.AnomaliesTotal.Add(float64(n))
	if m.otelAnomalies != nil {
		m.otelAnomalies.Add(contextless(), int64(n), metric.WithAttributes(m.rankAttr))
	}
}

func contextless() context.Context { return context.Background() }
