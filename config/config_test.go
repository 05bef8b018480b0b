package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anomalyd.yaml")
	doc := `
rank: 3
override_rank: true
trace:
  dir: /data/trace
  prefix: tau
  parser_beginstep_timeout: 45s
detection:
  ad_algorithm: sstd
  outlier_sigma: 12
  analysis_step_freq: 2
pserver:
  addr: ws://ps:7000/ws
  net_recv_timeout: 5s
provenance:
  outputpath: /data/prov
  anom_win_size: 5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cfg.Rank)
	require.True(t, cfg.OverrideRank)
	require.Equal(t, "/data/trace", cfg.Trace.Dir)
	require.Equal(t, "tau", cfg.Trace.Prefix)
	require.Equal(t, 45*time.Second, cfg.Trace.BeginStepTimeout)
	require.Equal(t, "sstd", cfg.Detection.Algorithm)
	require.Equal(t, 12.0, cfg.Detection.OutlierSigma)
	require.Equal(t, 2, cfg.Detection.AnalysisStepFreq)
	require.Equal(t, "ws://ps:7000/ws", cfg.PServer.Addr)
	require.Equal(t, 5*time.Second, cfg.PServer.RecvTimeout)
	require.Equal(t, 5, cfg.Prov.AnomWinSize)

	// Defaults survive where the file is silent.
	require.Equal(t, 200, cfg.Detection.HbosMaxBins)
	require.Equal(t, "exclusive_runtime", cfg.Detection.OutlierStatistic)
}

func TestLoadRejectsBadAlgorithm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  ad_algorithm: zscore\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateThresholdRange(t *testing.T) {
	cfg := Default()
	cfg.Detection.HbosThreshold = 1.2
	require.Error(t, cfg.Validate())

	cfg.Detection.Algorithm = "sstd"
	require.NoError(t, cfg.Validate())
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, fromFile, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, fromFile)
	require.Equal(t, Default(), cfg)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ANOMALYD_RANK", "9")
	t.Setenv("ANOMALYD_PSERVER_ADDR", "ws://env:7000/ws")
	cfg := FromEnv(Default())
	require.Equal(t, uint64(9), cfg.Rank)
	require.Equal(t, "ws://env:7000/ws", cfg.PServer.Addr)
}

func TestApplyOptions(t *testing.T) {
	cfg := Apply(Default(),
		WithRank(4),
		WithAlgorithm("COPOD"),
		WithTrace("/tmp/tr", "app"),
		WithPServer("ws://ps:7000/ws"),
		WithProvOutput("/tmp/prov"),
	)
	require.Equal(t, uint64(4), cfg.Rank)
	require.Equal(t, "copod", cfg.Detection.Algorithm)
	require.Equal(t, "/tmp/tr", cfg.Trace.Dir)
	require.Equal(t, "app", cfg.Trace.Prefix)
	require.Equal(t, "ws://ps:7000/ws", cfg.PServer.Addr)
	require.Equal(t, "/tmp/prov", cfg.Prov.OutputPath)

	// The base settings stay untouched.
	require.Equal(t, uint64(0), Default().Rank)
}
