// Package config centralises runtime configuration for anomalyd services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perfstream/anomalyd/errs"
)

// Settings contains the anomalyd configuration tree loaded from defaults,
// an optional YAML file, environment variables and option overrides.
type Settings struct {
	// Rank is the application rank this analysis process attaches to.
	Rank uint64 `yaml:"rank"`
	// Program distinguishes co-scheduled instrumented applications.
	Program uint64 `yaml:"program"`
	// OverrideRank rewrites the rank field of every trace record to Rank.
	OverrideRank bool `yaml:"override_rank"`

	Trace     TraceSettings     `yaml:"trace"`
	Detection DetectionSettings `yaml:"detection"`
	PServer   PServerSettings   `yaml:"pserver"`
	Prov      ProvSettings      `yaml:"provenance"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// TraceSettings configure the consumed trace stream.
type TraceSettings struct {
	// Dir and Prefix locate the step files of the trace stream.
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
	// BeginStepTimeout bounds the wait for the next step; expiry is a clean
	// end of stream.
	BeginStepTimeout time.Duration `yaml:"parser_beginstep_timeout"`
	// IntervalMsec pauses between steps.
	IntervalMsec int `yaml:"interval_msec"`
	// MaxFrames bounds the number of steps processed; a negative value means
	// unbounded and 0 processes no step.
	MaxFrames int `yaml:"max_frames"`
	// OneFrame stops after a single step.
	OneFrame bool `yaml:"only_one_frame"`
	// StepReportFreq logs step progress every N steps; 0 disables.
	StepReportFreq int `yaml:"step_report_freq"`
}

// DetectionSettings configure the outlier model.
type DetectionSettings struct {
	Algorithm          string  `yaml:"ad_algorithm"`
	OutlierSigma       float64 `yaml:"outlier_sigma"`
	HbosThreshold      float64 `yaml:"hbos_threshold"`
	HbosUseGlobalThres bool    `yaml:"hbos_use_global_threshold"`
	HbosMaxBins        int     `yaml:"hbos_max_bins"`
	OutlierStatistic   string  `yaml:"outlier_statistic"`
	// AnalysisStepFreq runs the classifier every N steps.
	AnalysisStepFreq int `yaml:"analysis_step_freq"`
	// GlobalModelSyncFreq paces model synchronisation; see the synchroniser.
	GlobalModelSyncFreq int `yaml:"global_model_sync_freq"`
	// FuncThresholdFile holds per-function threshold overrides.
	FuncThresholdFile string `yaml:"func_threshold_file"`
	// IgnoredFuncFile lists functions excluded from detection.
	IgnoredFuncFile string `yaml:"ignored_func_file"`
	// IgnoredCorrIDFuncFile lists functions whose correlation ids are not
	// tracked.
	IgnoredCorrIDFuncFile string `yaml:"ignored_corrid_func_file"`
	// MonitoringWatchListFile and MonitoringCounterPrefix configure the
	// monitoring view.
	MonitoringWatchListFile string `yaml:"monitoring_watchlist_file"`
	MonitoringCounterPrefix string `yaml:"monitoring_counter_prefix"`
	// NormalSampleCap bounds normal-execution provenance sampling.
	NormalSampleCap int `yaml:"normal_sample_cap"`
}

// PServerSettings configure the parameter-server connection.
type PServerSettings struct {
	// Addr is the websocket endpoint; empty disables the connection and the
	// model merges locally.
	Addr string `yaml:"addr"`
	// RecvTimeout bounds each blocking exchange.
	RecvTimeout time.Duration `yaml:"net_recv_timeout"`
}

// ProvSettings configure provenance emission.
type ProvSettings struct {
	// OutputPath enables the JSON file sink when non-empty.
	OutputPath string `yaml:"outputpath"`
	// DatabaseURL enables the Postgres document store when non-empty.
	DatabaseURL string `yaml:"database_url"`
	// AnomWinSize is the call-window half-width captured around anomalies.
	AnomWinSize int `yaml:"anom_win_size"`
	// MinAnomTime suppresses records below this exclusive runtime.
	MinAnomTime uint64 `yaml:"prov_min_anom_time"`
	// RecordStartStep / RecordStopStep bound emission; -1 disables a bound.
	RecordStartStep int `yaml:"prov_record_startstep"`
	RecordStopStep  int `yaml:"prov_record_stopstep"`
	// FilterScript holds a JavaScript accept(record) predicate.
	FilterScript string `yaml:"filter_script"`
	// SinkWorkers sizes the asynchronous delivery pool.
	SinkWorkers int `yaml:"sink_workers"`
	// StoreRateLimit caps document-store writes per second; 0 disables.
	StoreRateLimit float64 `yaml:"store_rate_limit"`
}

// TelemetrySettings configure metrics exposure.
type TelemetrySettings struct {
	MetricsAddr  string        `yaml:"metrics_addr"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	ExportEvery  time.Duration `yaml:"export_interval"`
}

// Default returns the default anomalyd configuration.
func Default() Settings {
	return Settings{
		Rank:         0,
		Program:      0,
		OverrideRank: false,
		Trace: TraceSettings{
			Dir:              ".",
			Prefix:           "trace",
			BeginStepTimeout: 30 * time.Second,
			IntervalMsec:     0,
			MaxFrames:        -1,
			OneFrame:         false,
			StepReportFreq:   1,
		},
		Detection: DetectionSettings{
			Algorithm:           "hbos",
			OutlierSigma:        6.0,
			HbosThreshold:       0.99,
			HbosUseGlobalThres:  true,
			HbosMaxBins:         200,
			OutlierStatistic:    "exclusive_runtime",
			AnalysisStepFreq:    1,
			GlobalModelSyncFreq: 1,
			NormalSampleCap:     1,
		},
		PServer: PServerSettings{
			Addr:        "",
			RecvTimeout: 30 * time.Second,
		},
		Prov: ProvSettings{
			OutputPath:      "",
			DatabaseURL:     "",
			AnomWinSize:     10,
			MinAnomTime:     0,
			RecordStartStep: -1,
			RecordStopStep:  -1,
			SinkWorkers:     2,
			StoreRateLimit:  0,
		},
		Telemetry: TelemetrySettings{},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (Settings, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.New("config", errs.KindConfig,
			errs.WithMessage("unreadable configuration file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errs.New("config", errs.KindConfig,
			errs.WithMessage("malformed configuration file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return cfg, cfg.Validate()
}

// LoadOrDefault loads the file when present, else returns defaults. The
// boolean reports whether a file was read.
func LoadOrDefault(path string) (Settings, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), false, nil
		}
		return Default(), false, errs.New("config", errs.KindConfig, errs.WithCause(err))
	}
	cfg, err := Load(path)
	return cfg, err == nil, err
}

// FromEnv applies environment variable overrides to the settings.
func FromEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("ANOMALYD_RANK")); v != "" {
		if rank, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Rank = rank
		}
	}
	if v := strings.TrimSpace(os.Getenv("ANOMALYD_TRACE_DIR")); v != "" {
		cfg.Trace.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("ANOMALYD_PSERVER_ADDR")); v != "" {
		cfg.PServer.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("ANOMALYD_PROV_OUTPUT")); v != "" {
		cfg.Prov.OutputPath = v
	}
	if v := strings.TrimSpace(os.Getenv("ANOMALYD_DATABASE_URL")); v != "" {
		cfg.Prov.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ANOMALYD_METRICS_ADDR")); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithRank sets the analysis rank.
func WithRank(rank uint64) Option {
	return func(s *Settings) { s.Rank = rank }
}

// WithAlgorithm selects the detection algorithm.
func WithAlgorithm(name string) Option {
	return func(s *Settings) {
		if name != "" {
			s.Detection.Algorithm = strings.ToLower(strings.TrimSpace(name))
		}
	}
}

// WithTrace points the stream reader at a directory and file prefix.
func WithTrace(dir, prefix string) Option {
	return func(s *Settings) {
		if dir != "" {
			s.Trace.Dir = dir
		}
		if prefix != "" {
			s.Trace.Prefix = prefix
		}
	}
}

// WithPServer sets the parameter-server endpoint.
func WithPServer(addr string) Option {
	return func(s *Settings) { s.PServer.Addr = addr }
}

// WithProvOutput sets the provenance file-sink directory.
func WithProvOutput(dir string) Option {
	return func(s *Settings) { s.Prov.OutputPath = dir }
}

// Validate rejects configurations the pipeline cannot start with.
func (s Settings) Validate() error {
	switch strings.ToLower(s.Detection.Algorithm) {
	case "sstd", "hbos", "copod":
	default:
		return errs.New("config", errs.KindConfig,
			errs.WithMessage("invalid ad_algorithm"),
			errs.WithField("algorithm", s.Detection.Algorithm))
	}
	switch s.Detection.OutlierStatistic {
	case "exclusive_runtime", "inclusive_runtime":
	default:
		return errs.New("config", errs.KindConfig,
			errs.WithMessage("invalid outlier_statistic"),
			errs.WithField("statistic", s.Detection.OutlierStatistic))
	}
	if alg := strings.ToLower(s.Detection.Algorithm); alg == "hbos" || alg == "copod" {
		if s.Detection.HbosThreshold <= 0 || s.Detection.HbosThreshold >= 1 {
			return errs.New("config", errs.KindConfig,
				errs.WithMessage("hbos_threshold must lie in (0,1)"))
		}
	}
	if s.Detection.AnalysisStepFreq < 1 {
		return errs.New("config", errs.KindConfig,
			errs.WithMessage("analysis_step_freq must be >= 1"))
	}
	if s.Prov.AnomWinSize < 0 {
		return errs.New("config", errs.KindConfig,
			errs.WithMessage("anom_win_size must be >= 0"))
	}
	return nil
}
