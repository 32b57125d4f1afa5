package optimizer

// ============================================================================
// Tree-structured Parzen Estimator (independent per channel)
// 1. The first StartupTrials proposals are uniform inside the boxes
// 2. Afterwards completed observations are split into a "good" set (top
//    Gamma fraction, at most maxGood) and a "bad" set
// 3. Candidates are drawn from the good density l(x) and the one with the
//    largest log l(x) - log g(x) is proposed
// A wide prior component keeps both densities supported on the whole box.
// ============================================================================

import (
	"math"
	"math/rand"
	"sort"
)

const (
	maxGood        = 25
	maxTruncTries  = 64
	minBandwidthDv = 100.0
)

// SamplerOptions tune the TPE sampler.
type SamplerOptions struct {
	StartupTrials int     `yaml:"startup_trials"`
	Candidates    int     `yaml:"candidates"`
	Gamma         float64 `yaml:"gamma"`
	PriorWeight   float64 `yaml:"prior_weight"`
}

// DefaultSamplerOptions returns the tuned defaults.
func DefaultSamplerOptions() SamplerOptions {
	return SamplerOptions{
		StartupTrials: 10,
		Candidates:    24,
		Gamma:         0.25,
		PriorWeight:   1.0,
	}
}

func (o SamplerOptions) withDefaults() SamplerOptions {
	d := DefaultSamplerOptions()
	if o.StartupTrials <= 0 {
		o.StartupTrials = d.StartupTrials
	}
	if o.Candidates <= 0 {
		o.Candidates = d.Candidates
	}
	if o.Gamma <= 0 || o.Gamma >= 1 {
		o.Gamma = d.Gamma
	}
	if o.PriorWeight <= 0 {
		o.PriorWeight = d.PriorWeight
	}
	return o
}

type observation struct {
	x     []float64
	value float64
}

// Sampler proposes points in a box and learns from completed evaluations.
// It is owned by a single optimization loop and is not safe for concurrent
// use.
type Sampler struct {
	dims []Dimension
	opts SamplerOptions
	rng  *rand.Rand
	obs  []observation
}

// NewSampler returns a sampler over dims seeded with seed.
func NewSampler(dims []Dimension, opts SamplerOptions, seed int64) *Sampler {
	return &Sampler{
		dims: dims,
		opts: opts.withDefaults(),
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Observe records a completed evaluation. Failed evaluations are never
// observed.
func (s *Sampler) Observe(x []float64, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	s.obs = append(s.obs, observation{x: append([]float64(nil), x...), value: value})
}

// Observations returns the number of completed evaluations seen.
func (s *Sampler) Observations() int { return len(s.obs) }

// Propose returns the next point to evaluate. The point lies in the boxes
// but may violate the total-budget interval; callers repair it.
func (s *Sampler) Propose() []float64 {
	if len(s.obs) < s.opts.StartupTrials {
		return s.uniform()
	}

	sorted := append([]observation(nil), s.obs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].value > sorted[j].value })
	nGood := int(math.Ceil(s.opts.Gamma * float64(len(sorted))))
	if nGood < 1 {
		nGood = 1
	}
	if nGood > maxGood {
		nGood = maxGood
	}
	good, bad := sorted[:nGood], sorted[nGood:]

	l := make([]parzen, len(s.dims))
	g := make([]parzen, len(s.dims))
	for d, dim := range s.dims {
		l[d] = newParzen(dim, column(good, d), s.opts.PriorWeight)
		g[d] = newParzen(dim, column(bad, d), s.opts.PriorWeight)
	}

	var best []float64
	bestScore := math.Inf(-1)
	for c := 0; c < s.opts.Candidates; c++ {
		x := make([]float64, len(s.dims))
		score := 0.0
		for d, dim := range s.dims {
			if dim.Width() <= 0 {
				x[d] = dim.Low
				continue
			}
			x[d] = l[d].sample(s.rng)
			score += l[d].logPDF(x[d]) - g[d].logPDF(x[d])
		}
		if best == nil || score > bestScore {
			best, bestScore = x, score
		}
	}
	return best
}

func (s *Sampler) uniform() []float64 {
	x := make([]float64, len(s.dims))
	for d, dim := range s.dims {
		x[d] = dim.Low + s.rng.Float64()*dim.Width()
	}
	return x
}

func column(obs []observation, d int) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.x[d]
	}
	return out
}

// parzen is a mixture of normals truncated to [low, high].
type parzen struct {
	low, high float64
	mus       []float64
	sigmas    []float64
	weights   []float64 // normalized
}

func newParzen(dim Dimension, points []float64, priorWeight float64) parzen {
	width := dim.Width()
	p := parzen{low: dim.Low, high: dim.High}
	if width <= 0 {
		return p
	}

	sorted := append([]float64(nil), points...)
	sort.Float64s(sorted)

	minSigma := width / math.Min(minBandwidthDv, 1+float64(len(sorted)))
	for i, mu := range sorted {
		left := mu - dim.Low
		if i > 0 {
			left = mu - sorted[i-1]
		}
		right := dim.High - mu
		if i < len(sorted)-1 {
			right = sorted[i+1] - mu
		}
		sigma := math.Max(left, right)
		sigma = math.Max(minSigma, math.Min(sigma, width))
		p.mus = append(p.mus, mu)
		p.sigmas = append(p.sigmas, sigma)
		p.weights = append(p.weights, 1)
	}

	// prior: centred, as wide as the box
	p.mus = append(p.mus, dim.Low+width/2)
	p.sigmas = append(p.sigmas, width)
	p.weights = append(p.weights, priorWeight)

	total := 0.0
	for _, w := range p.weights {
		total += w
	}
	for i := range p.weights {
		p.weights[i] /= total
	}
	return p
}

func (p parzen) sample(rng *rand.Rand) float64 {
	u := rng.Float64()
	k := len(p.weights) - 1
	for i, w := range p.weights {
		if u < w {
			k = i
			break
		}
		u -= w
	}
	mu, sigma := p.mus[k], p.sigmas[k]
	for i := 0; i < maxTruncTries; i++ {
		v := mu + sigma*rng.NormFloat64()
		if v >= p.low && v <= p.high {
			return v
		}
	}
	return clamp(mu, p.low, p.high)
}

func (p parzen) logPDF(x float64) float64 {
	terms := make([]float64, len(p.mus))
	for i := range p.mus {
		terms[i] = math.Log(p.weights[i]) + truncNormLogPDF(x, p.mus[i], p.sigmas[i], p.low, p.high)
	}
	return logSumExp(terms)
}

func truncNormLogPDF(x, mu, sigma, low, high float64) float64 {
	z := (x - mu) / sigma
	mass := normCDF((high-mu)/sigma) - normCDF((low-mu)/sigma)
	if mass < 1e-12 {
		mass = 1e-12
	}
	return -0.5*z*z - math.Log(sigma*math.Sqrt(2*math.Pi)) - math.Log(mass)
}

func normCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func logSumExp(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	if math.IsInf(m, -1) {
		return m
	}
	sum := 0.0
	for _, x := range xs {
		sum += math.Exp(x - m)
	}
	return m + math.Log(sum)
}
