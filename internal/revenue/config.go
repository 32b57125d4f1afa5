package revenue

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// ChannelConfig describes one media channel of the model: how its weekly
// baseline spend series is generated and how revenue responds to it.
type ChannelConfig struct {
	Name          types.ChannelName `yaml:"name"`
	InitialBudget float64           `yaml:"initial_budget"` // spend the baseline series represents
	Mu            float64           `yaml:"mu"`             // log-mean of the weekly series
	Sigma         float64           `yaml:"sigma"`          // log-stddev of the weekly series
	Weight        float64           `yaml:"weight"`         // coefficient of the saturation term
	HalfSat       float64           `yaml:"half_saturation"`
	Shape         float64           `yaml:"shape"`
}

// Config is the model definition, loadable from YAML.
type Config struct {
	Name      string          `yaml:"name"`
	KPI       string          `yaml:"kpi"`
	Intercept float64         `yaml:"intercept"`
	Horizon   int             `yaml:"horizon"` // weekly points
	Seed      int64           `yaml:"seed"`
	EvalDelay time.Duration   `yaml:"eval_delay"` // artificial latency per prediction
	Channels  []ChannelConfig `yaml:"channels"`
}

// DefaultConfig is the built-in marketing mix model: three years of weekly
// data over four channels.
func DefaultConfig() Config {
	e := math.E
	return Config{
		Name:      "MMM",
		KPI:       "revenue",
		Intercept: 1,
		Horizon:   156,
		Seed:      42,
		Channels: []ChannelConfig{
			{Name: "olv", InitialBudget: 50, Mu: 1, Sigma: 0.4, Weight: 0.2, HalfSat: e, Shape: 2},
			{Name: "paid_search", InitialBudget: 100, Mu: 2, Sigma: 0.2, Weight: 0.25, HalfSat: e * e, Shape: 4},
			{Name: "print", InitialBudget: 30, Mu: 1, Sigma: 0.3, Weight: 0.15, HalfSat: e * e * e, Shape: 3},
			{Name: "radio", InitialBudget: 40, Mu: 1, Sigma: 0.4, Weight: 0.1, HalfSat: e * e * e * e, Shape: 2},
		},
	}
}

// LoadConfig reads a model definition from a YAML file. Fields missing from
// the file keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read model config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse model config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Horizon <= 0 {
		return fmt.Errorf("model horizon must be positive, got %d", c.Horizon)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("model has no channels")
	}
	seen := make(map[types.ChannelName]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("model channel without name")
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate model channel %q", ch.Name)
		}
		seen[ch.Name] = true
		if ch.InitialBudget <= 0 {
			return fmt.Errorf("model channel %q: initial_budget must be positive", ch.Name)
		}
		if ch.HalfSat <= 0 || ch.Shape <= 0 {
			return fmt.Errorf("model channel %q: half_saturation and shape must be positive", ch.Name)
		}
	}
	return nil
}
