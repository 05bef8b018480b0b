package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/perfstream/anomalyd/config"
	"github.com/perfstream/anomalyd/internal/sink"
	"github.com/perfstream/anomalyd/internal/stream"
	"github.com/perfstream/anomalyd/internal/summary"
)

const (
	typeEntry = 0
	typeExit  = 1
)

type capturingSink struct {
	mu      sync.Mutex
	batches []sink.Batch
}

func (c *capturingSink) Send(batch sink.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *capturingSink) Drain(time.Time) error { return nil }
func (c *capturingSink) Close() error          { return nil }

func (c *capturingSink) byKind(kind sink.Kind) []sink.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sink.Batch
	for _, b := range c.batches {
		if b.Kind == kind {
			out = append(out, b)
		}
	}
	return out
}

type capturingStats struct {
	mu       sync.Mutex
	payloads map[int][]byte
}

func (c *capturingStats) SendCombinedStats(step int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payloads == nil {
		c.payloads = make(map[int][]byte)
	}
	c.payloads[step] = payload
	return nil
}

func stepAttributes() stream.Attributes {
	attrs := stream.NewAttributes()
	attrs.EventTypes[typeEntry] = "ENTRY"
	attrs.EventTypes[typeExit] = "EXIT"
	attrs.Timers[12] = "compute"
	attrs.Timers[13] = "pack"
	attrs.Counters[7] = "bytes allocated"
	return attrs
}

// flatStep builds one step of back-to-back executions of function fid with
// the given runtimes.
func flatStep(step int, fid uint64, base uint64, runtimes ...uint64) stream.StepData {
	data := stream.StepData{Step: step, Attributes: stepAttributes()}
	ts := base
	for _, rt := range runtimes {
		data.FuncData = append(data.FuncData,
			[]uint64{0, 0, 0, typeEntry, fid, ts},
			[]uint64{0, 0, 0, typeExit, fid, ts + rt},
		)
		ts += rt + 10
	}
	return data
}

func testConfig() config.Settings {
	cfg := config.Default()
	cfg.Detection.Algorithm = "sstd"
	cfg.Detection.OutlierSigma = 3
	cfg.Detection.GlobalModelSyncFreq = 1
	cfg.Prov.AnomWinSize = 3
	cfg.Trace.StepReportFreq = 0
	return cfg
}

func TestDriverProcessesStreamToEnd(t *testing.T) {
	steps := []stream.StepData{
		flatStep(0, 12, 1000, 100, 100, 100, 100, 100, 100, 100, 100),
		flatStep(1, 12, 10000, 100, 100, 100, 5000), // one spike
	}
	reader := stream.NewMemoryReader(steps)
	sk := &capturingSink{}
	stats := &capturingStats{}

	d, err := New(testConfig(), Options{Reader: reader, Sink: sk, StatsSender: stats})
	require.NoError(t, err)

	report, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint64(2), report.Frames)
	require.Equal(t, uint64(24), report.FuncEvents)
	require.Equal(t, uint64(1), report.Outliers)

	anomalies := sk.byKind(sink.KindAnomalies)
	require.Len(t, anomalies, 1)
	require.Equal(t, 1, anomalies[0].Step)
	require.Len(t, anomalies[0].Records, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(anomalies[0].Records[0], &rec))
	require.Equal(t, "compute", rec["func"])
	require.Equal(t, "outlier", rec["label"])

	// Combined statistics were sent for both analysis steps.
	require.Len(t, stats.payloads, 2)
	combined, err := summary.UnmarshalCombinedStats(stats.payloads[1])
	require.NoError(t, err)
	require.Equal(t, 1, combined.Metrics.Outliers)
	require.Len(t, combined.FuncProfiles, 1)
	require.Equal(t, "compute", combined.FuncProfiles[0].Name)
}

func TestDriverAnalysisFrequencyAccumulates(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.AnalysisStepFreq = 2

	steps := []stream.StepData{
		flatStep(0, 12, 1000, 100, 100),
		flatStep(1, 12, 5000, 100, 100),
		flatStep(2, 12, 9000, 100, 100),
	}
	reader := stream.NewMemoryReader(steps)
	stats := &capturingStats{}

	d, err := New(cfg, Options{Reader: reader, Sink: &capturingSink{}, StatsSender: stats})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	// Analysis ran on steps 0 and 2 only; step 1 accumulated into step 2.
	require.Len(t, stats.payloads, 2)
	combined, err := summary.UnmarshalCombinedStats(stats.payloads[2])
	require.NoError(t, err)
	require.Equal(t, 4, combined.Metrics.Analyzed)
	require.Equal(t, uint64(4), combined.FuncProfiles[0].Exclusive.Count())
}

func TestDriverPurgeRetainsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Prov.AnomWinSize = 3

	var steps []stream.StepData
	for s := 0; s < 5; s++ {
		runtimes := make([]uint64, 10)
		for i := range runtimes {
			runtimes[i] = 100
		}
		steps = append(steps, flatStep(s, 12, uint64(1000+s*100000), runtimes...))
	}
	reader := stream.NewMemoryReader(steps)

	d, err := New(cfg, Options{Reader: reader, Sink: &capturingSink{}})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	// Each analysis step purged down to the window.
	require.Equal(t, 3, d.execs.CallListSize())
}

func TestDriverRecordWindowBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.OutlierSigma = 1
	cfg.Prov.RecordStartStep = 1
	cfg.Prov.RecordStopStep = 1

	mk := func(step int) stream.StepData {
		return flatStep(step, 12, uint64(1000+step*100000), 100, 100, 100, 9000)
	}
	reader := stream.NewMemoryReader([]stream.StepData{mk(0), mk(1), mk(2)})
	sk := &capturingSink{}

	d, err := New(cfg, Options{Reader: reader, Sink: sk})
	require.NoError(t, err)
	report, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, report.Outliers, uint64(1))

	// Every spike flags, but only step 1 falls inside the recording bounds.
	batches := sk.byKind(sink.KindAnomalies)
	require.NotEmpty(t, batches)
	for _, b := range batches {
		require.Equal(t, 1, b.Step)
	}
}

func TestDriverMaxFrames(t *testing.T) {
	cfg := testConfig()
	cfg.Trace.MaxFrames = 1

	reader := stream.NewMemoryReader([]stream.StepData{
		flatStep(0, 12, 1000, 100),
		flatStep(1, 12, 2000, 100),
	})
	d, err := New(cfg, Options{Reader: reader, Sink: &capturingSink{}})
	require.NoError(t, err)

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), report.Frames)
}

func TestDriverRequiresReader(t *testing.T) {
	_, err := New(testConfig(), Options{})
	require.Error(t, err)
}
