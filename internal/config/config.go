// Package config holds every tunable of the signal core with explicit,
// documented defaults.
//
// Load order: Default() → YAML file (checked against the embedded CUE
// schema) → .env and SIGNALCORE_* environment overrides → Validate().
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

//go:embed schema.cue
var schemaCUE string

// Config is the full configuration tree.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Gate     GateConfig     `yaml:"gate"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Queue    QueueConfig    `yaml:"queue"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Trust    TrustConfig    `yaml:"trust"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Parser   ClientConfig   `yaml:"parser"`
	Executor ExecutorConfig `yaml:"executor"`
}

type AppConfig struct {
	Name         string `yaml:"name"`
	Env          string `yaml:"env"`
	LogLevel     string `yaml:"log_level"`
	HTTPAddr     string `yaml:"http_addr"`
	DatabasePath string `yaml:"database_path"`
	ArtifactDir  string `yaml:"artifact_dir"`

	// HotIndexPath is the BadgerDB directory for the dedup hot index.
	// Empty runs the index in memory.
	HotIndexPath string `yaml:"hot_index_path"`

	// TraceExporter is none, stdout or otlp.
	TraceExporter string `yaml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
}

type GateConfig struct {
	// DefaultChannelThreshold is assigned to auto-registered channels.
	DefaultChannelThreshold float64 `yaml:"default_channel_threshold"`
	// UserMinConfidence is the operator-wide floor applied to every channel.
	UserMinConfidence float64 `yaml:"user_min_confidence"`
}

type DedupConfig struct {
	// Window bounds how long a fingerprint stays in the hot index. The
	// durable fingerprint never expires.
	Window      time.Duration      `yaml:"window"`
	TickSizes   map[string]float64 `yaml:"tick_sizes"`
	DefaultTick float64            `yaml:"default_tick"`
	PairAliases map[string]string  `yaml:"pair_aliases"`
}

type QueueConfig struct {
	MaxAttempts      int            `yaml:"max_attempts"`
	BaseDelay        time.Duration  `yaml:"base_delay"`
	MaxDelay         time.Duration  `yaml:"max_delay"`
	Jitter           float64        `yaml:"jitter"`
	LeaseTimeout     time.Duration  `yaml:"lease_timeout"`
	PollInterval     time.Duration  `yaml:"poll_interval"`
	DefaultPriority  int            `yaml:"default_priority"`
	IntentPriorities map[string]int `yaml:"intent_priorities"`
}

type DispatchConfig struct {
	Workers         int           `yaml:"workers"`
	ExecutorTimeout time.Duration `yaml:"executor_timeout"`
	SkipDelay       time.Duration `yaml:"skip_delay"`
	MaxSpread       float64       `yaml:"max_spread"`
	MaxSlippage     float64       `yaml:"max_slippage"`

	// RateLimit caps executor calls per second. Zero means unlimited.
	RateLimit         float64 `yaml:"rate_limit"`
	CheckFirstAttempt bool    `yaml:"check_first_attempt"`
}

type TrustConfig struct {
	Period         string        `yaml:"period"`
	Prior          float64       `yaml:"prior"`
	PriorStrength  float64       `yaml:"prior_strength"`
	WinWeight      float64       `yaml:"win_weight"`
	RollupInterval time.Duration `yaml:"rollup_interval"`
}

type DeployConfig struct {
	Quorum          float64       `yaml:"quorum"`
	Timeout         time.Duration `yaml:"timeout"`
	DownloadBaseURL string        `yaml:"download_base_url"`
}

type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExecutorConfig has no client timeout of its own; each call carries the
// dispatch.executor_timeout deadline in its context.
type ExecutorConfig struct {
	BaseURL string `yaml:"base_url"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:         "signalcore",
			Env:          "dev",
			LogLevel:     "info",
			HTTPAddr:     ":8080",
			DatabasePath: "signalcore.db",
			ArtifactDir:  "artifacts",
			HotIndexPath: "",

			TraceExporter: "none",
			OTLPEndpoint:  "localhost:4317",
		},
		Gate: GateConfig{
			DefaultChannelThreshold: 0.85,
			UserMinConfidence:       0,
		},
		Dedup: DedupConfig{
			Window: 24 * time.Hour,
			TickSizes: map[string]float64{
				"XAUUSD": 0.01,
				"XAGUSD": 0.001,
				"JPY":    0.001,
			},
			DefaultTick: 0.00001,
			PairAliases: map[string]string{
				"GOLD":   "XAUUSD",
				"SILVER": "XAGUSD",
			},
		},
		Queue: QueueConfig{
			MaxAttempts:     5,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			Jitter:          0.2,
			LeaseTimeout:    30 * time.Second,
			PollInterval:    250 * time.Millisecond,
			DefaultPriority: 5,
			IntentPriorities: map[string]int{
				string(signal.IntentClosePosition):  1,
				string(signal.IntentPartialClose):   2,
				string(signal.IntentModifyPosition): 2,
				string(signal.IntentOpenTrade):      5,
			},
		},
		Dispatch: DispatchConfig{
			Workers:           4,
			ExecutorTimeout:   10 * time.Second,
			SkipDelay:         5 * time.Second,
			MaxSpread:         3.0,
			MaxSlippage:       5.0,
			RateLimit:         0,
			CheckFirstAttempt: false,
		},
		Trust: TrustConfig{
			Period:         "daily",
			Prior:          0.5,
			PriorStrength:  1.0,
			WinWeight:      0.8,
			RollupInterval: time.Minute,
		},
		Deploy: DeployConfig{
			Quorum:          1.0,
			Timeout:         5 * time.Minute,
			DownloadBaseURL: "http://localhost:8080",
		},
		Parser: ClientConfig{
			BaseURL: "http://localhost:9100",
			Timeout: 5 * time.Second,
		},
		Executor: ExecutorConfig{
			BaseURL: "http://localhost:9200",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge checks data against the schema and overlays it on c. Maps merge
// key by key with the defaults.
func (c *Config) merge(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw != nil {
		if err := checkSchema(raw); err != nil {
			return err
		}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func checkSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	val := ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	num := func(key string, dst *float64) {
		if val := os.Getenv(key); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SIGNALCORE_ENV", &c.App.Env)
	str("SIGNALCORE_LOG_LEVEL", &c.App.LogLevel)
	str("SIGNALCORE_HTTP_ADDR", &c.App.HTTPAddr)
	str("SIGNALCORE_DATABASE_PATH", &c.App.DatabasePath)
	str("SIGNALCORE_ARTIFACT_DIR", &c.App.ArtifactDir)
	str("SIGNALCORE_HOT_INDEX_PATH", &c.App.HotIndexPath)
	str("OTEL_TRACES_EXPORTER", &c.App.TraceExporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.App.OTLPEndpoint)
	num("SIGNALCORE_DEFAULT_THRESHOLD", &c.Gate.DefaultChannelThreshold)
	num("SIGNALCORE_USER_MIN_CONFIDENCE", &c.Gate.UserMinConfidence)
	duration("SIGNALCORE_DEDUP_WINDOW", &c.Dedup.Window)
	integer("SIGNALCORE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	integer("SIGNALCORE_WORKERS", &c.Dispatch.Workers)
	num("SIGNALCORE_RATE_LIMIT", &c.Dispatch.RateLimit)
	str("SIGNALCORE_TRUST_PERIOD", &c.Trust.Period)
	num("SIGNALCORE_DEPLOY_QUORUM", &c.Deploy.Quorum)
	duration("SIGNALCORE_DEPLOY_TIMEOUT", &c.Deploy.Timeout)
	str("SIGNALCORE_DOWNLOAD_BASE_URL", &c.Deploy.DownloadBaseURL)
	str("SIGNALCORE_PARSER_URL", &c.Parser.BaseURL)
	str("SIGNALCORE_EXECUTOR_URL", &c.Executor.BaseURL)

	return errors.Join(errs...)
}

// Validate enforces rules that span fields or that environment overrides
// could have broken.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.App.DatabasePath != "", "app.database_path is required")
	check(c.App.ArtifactDir != "", "app.artifact_dir is required")
	switch c.App.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("app.trace_exporter %q must be none, stdout or otlp", c.App.TraceExporter))
	}
	check(inUnit(c.Gate.DefaultChannelThreshold), "gate.default_channel_threshold %v not in [0,1]", c.Gate.DefaultChannelThreshold)
	check(inUnit(c.Gate.UserMinConfidence), "gate.user_min_confidence %v not in [0,1]", c.Gate.UserMinConfidence)
	check(c.Dedup.Window > 0, "dedup.window must be positive")
	check(c.Dedup.DefaultTick > 0, "dedup.default_tick must be positive")
	for pair, tick := range c.Dedup.TickSizes {
		check(tick > 0, "dedup.tick_sizes[%s] must be positive", pair)
	}
	check(c.Queue.MaxAttempts >= 1, "queue.max_attempts must be at least 1")
	check(c.Queue.BaseDelay > 0, "queue.base_delay must be positive")
	check(c.Queue.MaxDelay >= c.Queue.BaseDelay, "queue.max_delay %s below base_delay %s", c.Queue.MaxDelay, c.Queue.BaseDelay)
	check(c.Queue.Jitter >= 0 && c.Queue.Jitter < 1, "queue.jitter %v not in [0,1)", c.Queue.Jitter)
	check(c.Queue.PollInterval > 0, "queue.poll_interval must be positive")
	check(c.Queue.LeaseTimeout > c.Dispatch.ExecutorTimeout,
		"queue.lease_timeout %s must exceed dispatch.executor_timeout %s", c.Queue.LeaseTimeout, c.Dispatch.ExecutorTimeout)
	check(c.Dispatch.Workers >= 1, "dispatch.workers must be at least 1")
	check(c.Dispatch.ExecutorTimeout > 0, "dispatch.executor_timeout must be positive")
	check(c.Dispatch.SkipDelay > 0, "dispatch.skip_delay must be positive")
	check(c.Dispatch.RateLimit >= 0, "dispatch.rate_limit must not be negative")
	switch c.Trust.Period {
	case "daily", "weekly", "monthly":
	default:
		errs = append(errs, fmt.Errorf("trust.period %q must be daily, weekly or monthly", c.Trust.Period))
	}
	check(inUnit(c.Trust.Prior), "trust.prior %v not in [0,1]", c.Trust.Prior)
	check(c.Trust.PriorStrength >= 0, "trust.prior_strength must not be negative")
	check(inUnit(c.Trust.WinWeight), "trust.win_weight %v not in [0,1]", c.Trust.WinWeight)
	check(c.Trust.RollupInterval > 0, "trust.rollup_interval must be positive")
	check(c.Deploy.Quorum > 0 && c.Deploy.Quorum <= 1, "deploy.quorum %v not in (0,1]", c.Deploy.Quorum)
	check(c.Deploy.Timeout > 0, "deploy.timeout must be positive")
	check(c.Parser.BaseURL != "", "parser.base_url is required")
	check(c.Executor.BaseURL != "", "executor.base_url is required")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FingerprintOptions converts the dedup section for the Fingerprinter.
func (d DedupConfig) FingerprintOptions() signal.FingerprintOptions {
	ticks := make(map[string]decimal.Decimal, len(d.TickSizes))
	for pair, tick := range d.TickSizes {
		ticks[pair] = decimal.NewFromFloat(tick)
	}
	return signal.FingerprintOptions{
		TickSizes:   ticks,
		DefaultTick: decimal.NewFromFloat(d.DefaultTick),
		Aliases:     d.PairAliases,
	}
}

// Priority returns the queue priority for intent. Lower runs first.
func (q QueueConfig) Priority(intent signal.Intent) int {
	if p, ok := q.IntentPriorities[strings.ToLower(string(intent))]; ok {
		return p
	}
	return q.DefaultPriority
}

func inUnit(f float64) bool { return f >= 0 && f <= 1 }
