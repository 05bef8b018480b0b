// Package telemetry exposes the pipeline's operational metrics through
// Prometheus collectors and OpenTelemetry instruments, with an optional OTLP
// metric exporter.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config selects the telemetry surfaces.
type Config struct {
	// MetricsAddr serves the Prometheus endpoint when non-empty,
	// e.g. ":9464".
	MetricsAddr string
	// OTLPEndpoint enables the OTLP metric exporter when non-empty.
	OTLPEndpoint string
	// ExportInterval paces OTLP pushes.
	ExportInterval time.Duration
}

// Provider owns the telemetry runtime for one process.
type Provider struct {
	registry *prometheus.Registry
	server   *http.Server
	meter    *sdkmetric.MeterProvider
}

// Init builds the provider and starts the configured surfaces.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{registry: prometheus.NewRegistry()}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		p.meter = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		)
		otel.SetMeterProvider(p.meter)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
		p.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = p.server.ListenAndServe() }()
	}
	return p, nil
}

// Registry exposes the Prometheus registry for collector registration.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Shutdown stops the surfaces, flushing pending OTLP exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		_ = p.server.Shutdown(ctx)
	}
	if p.meter != nil {
		return p.meter.Shutdown(ctx)
	}
	return nil
}
