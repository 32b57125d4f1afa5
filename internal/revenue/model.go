// Package revenue is the revenue model adapter: it turns a budget
// allocation into a predicted KPI total over the model horizon.
package revenue

// ============================================================================
// Revenue Model
// pred(t) = exp(intercept + Σ weight_c · hill(effective_c(t), half_sat_c, shape_c))
// effective_c(t) = spend_c / initial_c · baseline_c(t)
// Predict returns Σ_t pred(t). Channels absent from the allocation stay at
// their initial spend.
// ============================================================================

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Model is immutable after New and safe for concurrent use.
type Model struct {
	cfg    Config
	index  map[types.ChannelName]int
	series [][]float64 // per channel, Horizon points
}

// New builds the model and draws its baseline series from cfg.Seed.
func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Model{
		cfg:    cfg,
		index:  make(map[types.ChannelName]int, len(cfg.Channels)),
		series: make([][]float64, len(cfg.Channels)),
	}
	for i, ch := range cfg.Channels {
		m.index[ch.Name] = i
		s := make([]float64, cfg.Horizon)
		for t := range s {
			s[t] = math.Exp(ch.Mu + ch.Sigma*rng.NormFloat64())
		}
		m.series[i] = s
	}
	return m, nil
}

// MustNew panics on an invalid config. Used for the built-in model.
func MustNew(cfg Config) *Model {
	m, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.cfg.Name }

// KPI returns the predicted quantity.
func (m *Model) KPI() string { return m.cfg.KPI }

// Horizon returns the number of weekly points summed by Predict.
func (m *Model) Horizon() int { return m.cfg.Horizon }

// Channels returns the model's channels in definition order.
func (m *Model) Channels() []types.ChannelName {
	out := make([]types.ChannelName, len(m.cfg.Channels))
	for i, ch := range m.cfg.Channels {
		out[i] = ch.Name
	}
	return out
}

// InitialBudget returns the spend each baseline series represents.
func (m *Model) InitialBudget() types.Allocation {
	out := make(types.Allocation, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		out[ch.Name] = ch.InitialBudget
	}
	return out
}

// Predict returns the summed prediction over the horizon. Honours
// cancellation while the configured evaluation delay elapses.
func (m *Model) Predict(ctx context.Context, alloc types.Allocation) (float64, error) {
	scale, err := m.scale(alloc)
	if err != nil {
		return 0, err
	}
	if err := m.wait(ctx); err != nil {
		return 0, err
	}
	return m.total(scale)
}

// Baseline is the prediction at every channel's initial spend.
func (m *Model) Baseline() float64 {
	v, _ := m.total(m.unitScale())
	return v
}

// Contribution is one channel's share of a prediction: the revenue lost
// when that channel alone is switched off.
type Contribution struct {
	Channel types.ChannelName `json:"channel"`
	Spend   float64           `json:"spend"`
	Revenue float64           `json:"revenue"`
}

// Breakdown decomposes a prediction into a zero-spend baseline and
// per-channel contributions.
type Breakdown struct {
	Total    float64        `json:"total"`
	Baseline float64        `json:"baseline"`
	Channels []Contribution `json:"channels"`
}

// Contributions decomposes the prediction for alloc.
func (m *Model) Contributions(ctx context.Context, alloc types.Allocation) (Breakdown, error) {
	scale, err := m.scale(alloc)
	if err != nil {
		return Breakdown{}, err
	}
	if err := m.wait(ctx); err != nil {
		return Breakdown{}, err
	}

	total, err := m.total(scale)
	if err != nil {
		return Breakdown{}, err
	}
	zero := make([]float64, len(scale))
	base, err := m.total(zero)
	if err != nil {
		return Breakdown{}, err
	}

	b := Breakdown{Total: total, Baseline: base}
	for i, ch := range m.cfg.Channels {
		off := append([]float64(nil), scale...)
		off[i] = 0
		without, err := m.total(off)
		if err != nil {
			return Breakdown{}, err
		}
		b.Channels = append(b.Channels, Contribution{
			Channel: ch.Name,
			Spend:   scale[i] * ch.InitialBudget,
			Revenue: total - without,
		})
	}
	return b, nil
}

func (m *Model) unitScale() []float64 {
	s := make([]float64, len(m.cfg.Channels))
	for i := range s {
		s[i] = 1
	}
	return s
}

// scale converts an allocation into per-channel multipliers of the baseline.
func (m *Model) scale(alloc types.Allocation) ([]float64, error) {
	s := m.unitScale()
	for name, spend := range alloc {
		i, ok := m.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown channel %q", types.ErrValidation, name)
		}
		if spend < 0 || math.IsNaN(spend) || math.IsInf(spend, 0) {
			return nil, fmt.Errorf("%w: invalid spend %g for channel %q", types.ErrValidation, spend, name)
		}
		s[i] = spend / m.cfg.Channels[i].InitialBudget
	}
	return s, nil
}

func (m *Model) total(scale []float64) (float64, error) {
	sum := 0.0
	for t := 0; t < m.cfg.Horizon; t++ {
		z := m.cfg.Intercept
		for i, ch := range m.cfg.Channels {
			z += ch.Weight * hill(scale[i]*m.series[i][t], ch.HalfSat, ch.Shape)
		}
		sum += math.Exp(z)
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, fmt.Errorf("%w: non-finite prediction", types.ErrEvaluation)
	}
	return sum, nil
}

func (m *Model) wait(ctx context.Context) error {
	if m.cfg.EvalDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.cfg.EvalDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hill is the saturating response x^n / (x^n + k^n).
func hill(x, k, n float64) float64 {
	if x <= 0 {
		return 0
	}
	xn := math.Pow(x, n)
	return xn / (xn + math.Pow(k, n))
}
