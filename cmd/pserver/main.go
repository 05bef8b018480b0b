// Command pserver runs the parameter-server aggregator: it merges per-rank
// model increments into the global model, serves the global function index
// map, and accumulates combined per-step statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/perfstream/anomalyd/internal/aggregator"
	"github.com/perfstream/anomalyd/internal/detector"
	"github.com/perfstream/anomalyd/internal/observability"
	"github.com/perfstream/anomalyd/internal/psnet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	var (
		addr      = flag.String("addr", ":7000", "Listen address for the websocket endpoint")
		algorithm = flag.String("algorithm", "hbos", "Detection algorithm the clients run: sstd, hbos or copod")
		maxBins   = flag.Int("max-bins", 200, "Histogram bin cap for hbos/copod merges")
		statsDir  = flag.String("stats-dir", "", "Directory for periodic global statistics snapshots")
		statsSecs = flag.Int("stats-interval", 60, "Seconds between statistics snapshots")
		debug     = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logger := observability.NewTextLogger(os.Stderr, 0, *debug)
	observability.SetLogger(logger)

	store, err := detector.NewModelStore(detector.Algorithm(*algorithm), *maxBins)
	if err != nil {
		return err
	}
	agg := aggregator.New(store)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *statsDir != "" {
		if err := os.MkdirAll(*statsDir, 0o755); err != nil {
			return err
		}
		go snapshotLoop(ctx, agg, *statsDir, time.Duration(*statsSecs)*time.Second)
	}

	logger.Info("parameter server listening",
		observability.Field{Key: "addr", Value: *addr},
		observability.Field{Key: "algorithm", Value: *algorithm})
	return psnet.ListenAndServe(ctx, *addr, psnet.NewServer(0, agg))
}

// snapshotLoop periodically dumps the accumulated global statistics.
func snapshotLoop(ctx context.Context, agg *aggregator.Aggregator, dir string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			writeSnapshot(agg, dir)
			return
		case <-ticker.C:
			writeSnapshot(agg, dir)
		}
	}
}

func writeSnapshot(agg *aggregator.Aggregator, dir string) {
	raw, err := agg.SnapshotJSON()
	if err != nil {
		observability.Log().Error("snapshot failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	path := filepath.Join(dir, "global_stats.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		observability.Log().Error("snapshot write failed",
			observability.Field{Key: "path", Value: path},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
