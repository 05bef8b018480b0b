// Command anomalyd runs the per-rank trace analysis pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/perfstream/anomalyd/config"
	"github.com/perfstream/anomalyd/internal/detector"
	"github.com/perfstream/anomalyd/internal/driver"
	"github.com/perfstream/anomalyd/internal/filter"
	"github.com/perfstream/anomalyd/internal/observability"
	"github.com/perfstream/anomalyd/internal/psnet"
	"github.com/perfstream/anomalyd/internal/sink"
	"github.com/perfstream/anomalyd/internal/stream"
	"github.com/perfstream/anomalyd/internal/telemetry"
)

const defaultConfigPath = "config/anomalyd.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	var (
		configPath = flag.String("config", defaultConfigPath, "Path to the YAML configuration file")
		rank       = flag.Uint64("rank", 0, "Application rank this process attaches to")
		traceDir   = flag.String("trace-dir", "", "Trace step directory (overrides configuration)")
		tracePfx   = flag.String("trace-prefix", "", "Trace step file prefix (overrides configuration)")
		pserver    = flag.String("pserver", "", "Parameter server websocket endpoint (overrides configuration)")
		provOut    = flag.String("prov-output", "", "Provenance JSON output directory (overrides configuration)")
		algorithm  = flag.String("algorithm", "", "Detection algorithm: sstd, hbos or copod (overrides configuration)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, fromFile, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	cfg = config.FromEnv(cfg)
	var overrides []config.Option
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rank":
			overrides = append(overrides, config.WithRank(*rank))
		case "algorithm":
			overrides = append(overrides, config.WithAlgorithm(*algorithm))
		case "trace-dir", "trace-prefix":
			overrides = append(overrides, config.WithTrace(*traceDir, *tracePfx))
		case "pserver":
			overrides = append(overrides, config.WithPServer(*pserver))
		case "prov-output":
			overrides = append(overrides, config.WithProvOutput(*provOut))
		}
	})
	cfg = config.Apply(cfg, overrides...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewTextLogger(os.Stderr, int(cfg.Rank), *debug)
	observability.SetLogger(logger)
	if !fromFile {
		logger.Info("configuration file not found, using defaults",
			observability.Field{Key: "path", Value: *configPath})
	}
	logger.Info("configuration initialised",
		observability.Field{Key: "algorithm", Value: cfg.Detection.Algorithm},
		observability.Field{Key: "statistic", Value: cfg.Detection.OutlierStatistic},
		observability.Field{Key: "trace_dir", Value: cfg.Trace.Dir})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := telemetry.Init(ctx, telemetry.Config{
		MetricsAddr:    cfg.Telemetry.MetricsAddr,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportEvery,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics := telemetry.NewPipelineMetrics(provider.Registry(), cfg.Rank)

	opts := driver.Options{
		Reader:   stream.NewFileReader(cfg.Trace.Dir, cfg.Trace.Prefix),
		Metrics:  metrics,
		ErrorLog: observability.NewErrorLog(),
	}

	var psClient *psnet.Client
	if cfg.PServer.Addr != "" {
		logger.Info("connecting to parameter server",
			observability.Field{Key: "addr", Value: cfg.PServer.Addr})
		psClient, err = psnet.Dial(ctx, psnet.ClientConfig{
			URL:         cfg.PServer.Addr,
			Rank:        cfg.Rank,
			RecvTimeout: cfg.PServer.RecvTimeout,
		})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer closeCancel()
			_ = psClient.Close(closeCtx)
		}()
		opts.SyncClient = detector.SyncClient(psClient)
		opts.StatsSender = psClient
		opts.Mapper = psClient
	}

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	if len(stores) > 0 {
		async := sink.NewAsyncSink(sink.AsyncConfig{Workers: cfg.Prov.SinkWorkers}, opts.ErrorLog, stores...)
		defer async.Close()
		opts.Sink = async
	} else {
		logger.Info("no provenance sink configured, records will not be written")
	}

	if cfg.Prov.FilterScript != "" {
		opts.Filter, err = filter.Load(cfg.Prov.FilterScript)
		if err != nil {
			return err
		}
	}

	d, err := driver.New(cfg, opts)
	if err != nil {
		return err
	}
	report, err := d.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("shutdown summary",
		observability.Field{Key: "frames", Value: report.Frames},
		observability.Field{Key: "anomalies", Value: report.Outliers},
		observability.Field{Key: "recoverable_errors", Value: report.RecoverableErrors},
		observability.Field{Key: "unmatched_corr_ids", Value: report.UnmatchedCorrIDs})
	return nil
}

func buildStores(ctx context.Context, cfg config.Settings) ([]sink.Store, error) {
	var stores []sink.Store
	if cfg.Prov.OutputPath != "" {
		fileStore, err := sink.NewFileStore(cfg.Prov.OutputPath, cfg.Program, cfg.Rank)
		if err != nil {
			return nil, err
		}
		stores = append(stores, fileStore)
	}
	if cfg.Prov.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Prov.DatabaseURL)
		if err != nil {
			return nil, err
		}
		var limiter *rate.Limiter
		if cfg.Prov.StoreRateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.Prov.StoreRateLimit), 1)
		}
		stores = append(stores, sink.NewPostgresStore(pool, cfg.Program, cfg.Rank, limiter))
	}
	return stores, nil
}
