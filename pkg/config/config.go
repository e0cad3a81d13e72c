// Package config loads a goflu node's YAML configuration file, combining
// the node's own geometry with the ambient logger and telemetry
// configuration blocks into one top-level struct.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kdevo/goflu/core/flu"
	"github.com/kdevo/goflu/pkg/logger"
	"github.com/kdevo/goflu/pkg/telemetry"
)

// Config is one FLU node's complete startup configuration.
type Config struct {
	// Dir is the directory holding the memfile and hard-state file.
	Dir string `yaml:"dir"`
	// PageSize is the fixed page payload size in bytes.
	PageSize int `yaml:"page_size"`
	// MaxMem caps the addressable memfile size in bytes.
	MaxMem int64 `yaml:"max_mem"`
	// FlushEvery is how many trim/fill operations elapse between hard-state
	// flushes; 0 selects flu.DefaultFlushEvery.
	FlushEvery uint64 `yaml:"flush_every"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a Config with the same defaults flu.Config applies.
func Default() Config {
	return Config{
		Dir:        "./data",
		PageSize:   flu.DefaultPageSize,
		MaxMem:     flu.DefaultMaxMem,
		FlushEvery: flu.DefaultFlushEvery,
		Logger:     logger.Config{Level: "info", Format: "json", OutputFile: "stdout", Service: "goflu"},
		Telemetry:  telemetry.Config{Enabled: false, ServiceName: "goflu", PrometheusPort: 9090, TraceSampleRatio: 1.0},
	}
}

// Load reads and parses a YAML config file. Fields the file omits keep
// Default's values, since the file is decoded on top of a fully
// initialized Config rather than a zero one.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers flags on fs that override the corresponding Config
// fields when set, so an explicit flag always wins over a loaded config
// file.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Dir, "dir", c.Dir, "node data directory")
	fs.IntVar(&c.PageSize, "page-size", c.PageSize, "page payload size in bytes")
	fs.Int64Var(&c.MaxMem, "max-mem", c.MaxMem, "addressable memfile size in bytes")
	fs.Uint64Var(&c.FlushEvery, "flush-every", c.FlushEvery, "trim/fill operations between hard-state flushes")
	fs.StringVar(&c.Logger.Level, "log-level", c.Logger.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&c.Logger.Format, "log-format", c.Logger.Format, "log format (json, console)")
	fs.StringVar(&c.Logger.Service, "log-service", c.Logger.Service, "service name attached to every log line")
	fs.BoolVar(&c.Telemetry.Enabled, "telemetry", c.Telemetry.Enabled, "enable OpenTelemetry metrics and tracing")
	fs.IntVar(&c.Telemetry.PrometheusPort, "metrics-port", c.Telemetry.PrometheusPort, "prometheus /metrics port")
}

// FLUConfig projects the flu.Config subset out of Config.
func (c Config) FLUConfig() flu.Config {
	return flu.Config{
		Dir:        c.Dir,
		PageSize:   c.PageSize,
		MaxMem:     c.MaxMem,
		FlushEvery: c.FlushEvery,
	}
}
