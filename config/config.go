// Package config centralises runtime configuration for the strand engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantmill/strand/errs"
)

// Duration wraps time.Duration with YAML support for both duration strings
// ("30s", "250ms") and bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(text, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DispatcherConfig sizes the event dispatch core.
type DispatcherConfig struct {
	MaxQueueSize          int     `yaml:"maxQueueSize"`
	NumWorkers            int     `yaml:"numWorkers"`
	NumShards             int     `yaml:"numShards"`
	BackpressureEnabled   bool    `yaml:"backpressureEnabled"`
	BackpressureThreshold float64 `yaml:"backpressureThreshold"`
	GracefulDegradation   bool    `yaml:"gracefulDegradation"`
	UnhealthyDropRate     float64 `yaml:"unhealthyDropRate"`
}

// IngestConfig configures one venue websocket supervisor.
type IngestConfig struct {
	Venue                string   `yaml:"venue"`
	URL                  string   `yaml:"url"`
	PingInterval         Duration `yaml:"pingInterval"`
	ReconnectDelay       Duration `yaml:"reconnectDelay"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts"`
	FrameTimeout         Duration `yaml:"frameTimeout"`
	MaxFrameErrors       int      `yaml:"maxFrameErrors"`
	CallbackWorkers      int      `yaml:"callbackWorkers"`
	CallbackQueue        int      `yaml:"callbackQueue"`
}

// BacktestConfig configures the portfolio backtest engine. Monetary values
// are converted to decimals once at engine construction.
type BacktestConfig struct {
	InitCash        float64 `yaml:"initCash"`
	Fees            float64 `yaml:"fees"`
	Slippage        float64 `yaml:"slippage"`
	PositionSizePct float64 `yaml:"positionSizePct"`
	Annualization   int     `yaml:"annualization"`
}

// TelemetryConfig configures the OpenTelemetry metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Config is the engine configuration tree.
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Dispatcher: DispatcherConfig{
			MaxQueueSize:          10_000,
			NumWorkers:            4,
			NumShards:             16,
			BackpressureEnabled:   true,
			BackpressureThreshold: 0.8,
			GracefulDegradation:   true,
			UnhealthyDropRate:     0.05,
		},
		Ingest: IngestConfig{
			Venue:                "binance",
			URL:                  "wss://stream.binance.com:9443/stream",
			PingInterval:         Duration(30 * time.Second),
			ReconnectDelay:       Duration(5 * time.Second),
			MaxReconnectAttempts: 5,
			FrameTimeout:         Duration(time.Second),
			MaxFrameErrors:       5,
			CallbackWorkers:      4,
			CallbackQueue:        256,
		},
		Backtest: BacktestConfig{
			InitCash:        100_000,
			Fees:            0.001,
			Slippage:        0.0001,
			PositionSizePct: 0.1,
			Annualization:   252,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "strand-engine",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errs.New("config/load", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("read %s", path)), errs.WithCause(err))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errs.New("config/load", errs.CodeInvalid,
				errs.WithMessage("parse yaml"), errs.WithCause(err))
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("STRAND_WS_URL")); v != "" {
		cfg.Ingest.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("STRAND_VENUE")); v != "" {
		cfg.Ingest.Venue = v
	}
	if v := strings.TrimSpace(os.Getenv("STRAND_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("STRAND_NUM_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.NumWorkers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("STRAND_NUM_SHARDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.NumShards = n
		}
	}
}

// Validate rejects configurations the subsystems cannot start with. This is
// the only place the engine refuses work; hot paths never reject.
func (c Config) Validate() error {
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}
	if err := c.Ingest.Validate(); err != nil {
		return err
	}
	return c.Backtest.Validate()
}

// Validate checks dispatcher sizing invariants.
func (c DispatcherConfig) Validate() error {
	if c.MaxQueueSize <= 0 {
		return errs.New("config/dispatcher", errs.CodeInvalid, errs.WithMessage("maxQueueSize must be > 0"))
	}
	if c.NumWorkers <= 0 {
		return errs.New("config/dispatcher", errs.CodeInvalid, errs.WithMessage("numWorkers must be > 0"))
	}
	if c.NumShards <= 0 {
		return errs.New("config/dispatcher", errs.CodeInvalid, errs.WithMessage("numShards must be > 0"))
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold > 1 {
		return errs.New("config/dispatcher", errs.CodeInvalid, errs.WithMessage("backpressureThreshold must be in (0, 1]"))
	}
	if c.UnhealthyDropRate < 0 || c.UnhealthyDropRate > 1 {
		return errs.New("config/dispatcher", errs.CodeInvalid, errs.WithMessage("unhealthyDropRate must be in [0, 1]"))
	}
	return nil
}

// Validate checks ingestion settings.
func (c IngestConfig) Validate() error {
	if strings.TrimSpace(c.Venue) == "" {
		return errs.New("config/ingest", errs.CodeInvalid, errs.WithMessage("venue required"))
	}
	if strings.TrimSpace(c.URL) == "" {
		return errs.New("config/ingest", errs.CodeInvalid, errs.WithMessage("url required"))
	}
	if c.MaxReconnectAttempts <= 0 {
		return errs.New("config/ingest", errs.CodeInvalid, errs.WithMessage("maxReconnectAttempts must be > 0"))
	}
	if c.FrameTimeout.Std() <= 0 {
		return errs.New("config/ingest", errs.CodeInvalid, errs.WithMessage("frameTimeout must be > 0"))
	}
	if c.MaxFrameErrors <= 0 {
		return errs.New("config/ingest", errs.CodeInvalid, errs.WithMessage("maxFrameErrors must be > 0"))
	}
	return nil
}

// Validate checks backtest economics.
func (c BacktestConfig) Validate() error {
	if c.InitCash <= 0 {
		return errs.New("config/backtest", errs.CodeInvalid, errs.WithMessage("initCash must be > 0"))
	}
	if c.Fees < 0 || c.Fees >= 1 {
		return errs.New("config/backtest", errs.CodeInvalid, errs.WithMessage("fees must be in [0, 1)"))
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		return errs.New("config/backtest", errs.CodeInvalid, errs.WithMessage("slippage must be in [0, 1)"))
	}
	if c.PositionSizePct <= 0 || c.PositionSizePct > 1 {
		return errs.New("config/backtest", errs.CodeInvalid, errs.WithMessage("positionSizePct must be in (0, 1]"))
	}
	if c.Annualization <= 0 {
		return errs.New("config/backtest", errs.CodeInvalid, errs.WithMessage("annualization must be > 0"))
	}
	return nil
}
