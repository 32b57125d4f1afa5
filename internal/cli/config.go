package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/budget-optimizer/internal/observability"
	"github.com/ChuLiYu/budget-optimizer/internal/optimizer"
	"github.com/ChuLiYu/budget-optimizer/internal/revenue"
	"github.com/ChuLiYu/budget-optimizer/internal/trialstore"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// defaultConfigPath is used when --config is not given. A missing file at
// this path falls back to DefaultConfig.
const defaultConfigPath = "configs/default.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`

	Storage   trialstore.Config   `yaml:"storage"`
	Optimizer optimizer.Options   `yaml:"optimizer"`
	Model     ModelConfig         `yaml:"model"`
	Channels  []types.ChannelSpec `yaml:"channels"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Tracing observability.TracingConfig `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// ModelConfig overrides the built-in revenue model.
type ModelConfig struct {
	Path          string                        `yaml:"path"` // optional model definition file
	InitialBudget map[types.ChannelName]float64 `yaml:"initial_budget"`
	Horizon       int                           `yaml:"horizon"`
	Seed          int64                         `yaml:"seed"`
	EvalDelay     time.Duration                 `yaml:"eval_delay"`
	CacheSize     int                           `yaml:"cache_size"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Address = "localhost:50051"
	cfg.Storage = trialstore.Config{Backend: trialstore.BackendSQLite, DSN: "data/studies.db", Dir: "data/ledger"}
	cfg.Optimizer = optimizer.DefaultOptions()
	cfg.Model.CacheSize = revenue.DefaultCacheSize
	cfg.Channels = append([]types.ChannelSpec(nil), types.DefaultChannels...)
	cfg.Metrics.Port = 9090
	cfg.Tracing.Exporter = "stdout"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// loadConfig reads path over DefaultConfig. Fields missing from the file
// keep their defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// buildModel loads the revenue model and applies the overrides.
func (c *Config) buildModel() (*revenue.Model, error) {
	mc := revenue.DefaultConfig()
	if c.Model.Path != "" {
		loaded, err := revenue.LoadConfig(c.Model.Path)
		if err != nil {
			return nil, err
		}
		mc = loaded
	}
	if c.Model.Horizon > 0 {
		mc.Horizon = c.Model.Horizon
	}
	if c.Model.Seed != 0 {
		mc.Seed = c.Model.Seed
	}
	if c.Model.EvalDelay > 0 {
		mc.EvalDelay = c.Model.EvalDelay
	}
	for i := range mc.Channels {
		if v, ok := c.Model.InitialBudget[mc.Channels[i].Name]; ok {
			mc.Channels[i].InitialBudget = v
		}
	}
	return revenue.New(mc)
}

// newLogger builds the process logger from the logging section.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
