package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchContract(t *testing.T) {
	cfg := Default()
	if cfg.Dispatcher.MaxQueueSize != 10_000 {
		t.Fatalf("maxQueueSize default = %d", cfg.Dispatcher.MaxQueueSize)
	}
	if cfg.Dispatcher.NumWorkers != 4 || cfg.Dispatcher.NumShards != 16 {
		t.Fatalf("worker/shard defaults = %d/%d", cfg.Dispatcher.NumWorkers, cfg.Dispatcher.NumShards)
	}
	if !cfg.Dispatcher.BackpressureEnabled || cfg.Dispatcher.BackpressureThreshold != 0.8 {
		t.Fatalf("backpressure defaults wrong: %+v", cfg.Dispatcher)
	}
	if cfg.Dispatcher.UnhealthyDropRate != 0.05 {
		t.Fatalf("unhealthyDropRate default = %v", cfg.Dispatcher.UnhealthyDropRate)
	}
	if cfg.Ingest.PingInterval.Std() != 30*time.Second || cfg.Ingest.ReconnectDelay.Std() != 5*time.Second {
		t.Fatalf("ingest timing defaults wrong: %+v", cfg.Ingest)
	}
	if cfg.Ingest.MaxReconnectAttempts != 5 || cfg.Ingest.FrameTimeout.Std() != time.Second {
		t.Fatalf("ingest retry defaults wrong: %+v", cfg.Ingest)
	}
	if cfg.Backtest.InitCash != 100_000 || cfg.Backtest.Fees != 0.001 {
		t.Fatalf("backtest economics defaults wrong: %+v", cfg.Backtest)
	}
	if cfg.Backtest.PositionSizePct != 0.1 || cfg.Backtest.Annualization != 252 {
		t.Fatalf("backtest sizing defaults wrong: %+v", cfg.Backtest)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strand.yaml")
	doc := `
dispatcher:
  numWorkers: 8
  backpressureThreshold: 0.5
ingest:
  pingInterval: 10s
  frameTimeout: 250ms
backtest:
  initCash: 5000
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.NumWorkers != 8 {
		t.Fatalf("file override lost: workers = %d", cfg.Dispatcher.NumWorkers)
	}
	if cfg.Dispatcher.BackpressureThreshold != 0.5 {
		t.Fatalf("file override lost: threshold = %v", cfg.Dispatcher.BackpressureThreshold)
	}
	if cfg.Dispatcher.NumShards != 16 {
		t.Fatalf("absent key must keep default, shards = %d", cfg.Dispatcher.NumShards)
	}
	if cfg.Ingest.PingInterval.Std() != 10*time.Second {
		t.Fatalf("duration string parse failed: %v", cfg.Ingest.PingInterval.Std())
	}
	if cfg.Ingest.FrameTimeout.Std() != 250*time.Millisecond {
		t.Fatalf("sub-second duration parse failed: %v", cfg.Ingest.FrameTimeout.Std())
	}
	if cfg.Backtest.InitCash != 5000 {
		t.Fatalf("backtest override lost: %v", cfg.Backtest.InitCash)
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strand.yaml")
	if err := os.WriteFile(path, []byte("ingest:\n  reconnectDelay: 2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.ReconnectDelay.Std() != 2*time.Second {
		t.Fatalf("bare number must mean seconds, got %v", cfg.Ingest.ReconnectDelay.Std())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STRAND_WS_URL", "wss://example.test/stream")
	t.Setenv("STRAND_NUM_WORKERS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.URL != "wss://example.test/stream" {
		t.Fatalf("env URL override lost: %s", cfg.Ingest.URL)
	}
	if cfg.Dispatcher.NumWorkers != 2 {
		t.Fatalf("env worker override lost: %d", cfg.Dispatcher.NumWorkers)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue", func(c *Config) { c.Dispatcher.MaxQueueSize = 0 }},
		{"zero workers", func(c *Config) { c.Dispatcher.NumWorkers = 0 }},
		{"zero shards", func(c *Config) { c.Dispatcher.NumShards = 0 }},
		{"threshold above one", func(c *Config) { c.Dispatcher.BackpressureThreshold = 1.5 }},
		{"negative drop rate", func(c *Config) { c.Dispatcher.UnhealthyDropRate = -0.1 }},
		{"empty venue", func(c *Config) { c.Ingest.Venue = "" }},
		{"empty url", func(c *Config) { c.Ingest.URL = " " }},
		{"zero attempts", func(c *Config) { c.Ingest.MaxReconnectAttempts = 0 }},
		{"zero frame timeout", func(c *Config) { c.Ingest.FrameTimeout = 0 }},
		{"zero cash", func(c *Config) { c.Backtest.InitCash = 0 }},
		{"fee of one", func(c *Config) { c.Backtest.Fees = 1 }},
		{"oversized position pct", func(c *Config) { c.Backtest.PositionSizePct = 1.5 }},
		{"zero annualization", func(c *Config) { c.Backtest.Annualization = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
