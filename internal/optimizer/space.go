package optimizer

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

var (
	// ErrInfeasible means no allocation inside the channel boxes meets the
	// total-budget interval.
	ErrInfeasible = errors.New("search space is infeasible")
)

// Dimension is one channel's box constraint.
type Dimension struct {
	Name types.ChannelName
	Low  float64
	High float64
}

// Width returns High - Low.
func (d Dimension) Width() float64 { return d.High - d.Low }

// Space is the per-channel boxes plus the total-budget interval.
type Space struct {
	Dims      []Dimension
	TotalLow  float64
	TotalHigh float64
}

// NewSpace derives the search space from a validated scenario.
func NewSpace(sc types.Scenario) (Space, error) {
	s := Space{
		TotalLow:  sc.TotalBudget.LowerBound,
		TotalHigh: sc.TotalBudget.UpperBound,
	}
	for _, c := range sc.Channels {
		s.Dims = append(s.Dims, Dimension{Name: c.Name, Low: c.LowerBound, High: c.UpperBound})
	}
	if len(s.Dims) == 0 {
		return s, fmt.Errorf("%w: no channels", ErrInfeasible)
	}

	minSum, maxSum := 0.0, 0.0
	for _, d := range s.Dims {
		if d.Low > d.High {
			return s, fmt.Errorf("%w: channel %q has lower bound above upper bound", ErrInfeasible, d.Name)
		}
		minSum += d.Low
		maxSum += d.High
	}
	if minSum > s.TotalHigh || maxSum < s.TotalLow || s.TotalLow > s.TotalHigh {
		return s, fmt.Errorf("%w: channel bounds [%g, %g] miss total budget [%g, %g]",
			ErrInfeasible, minSum, maxSum, s.TotalLow, s.TotalHigh)
	}
	return s, nil
}

// Allocation converts a point into a named allocation.
func (s Space) Allocation(x []float64) types.Allocation {
	a := make(types.Allocation, len(s.Dims))
	for i, d := range s.Dims {
		a[d.Name] = x[i]
	}
	return a
}

// Point converts an allocation back into a point. Missing channels yield
// ok == false.
func (s Space) Point(a types.Allocation) ([]float64, bool) {
	x := make([]float64, len(s.Dims))
	for i, d := range s.Dims {
		v, ok := a[d.Name]
		if !ok {
			return nil, false
		}
		x[i] = v
	}
	return x, true
}

// Feasible reports whether x satisfies every box and the total interval.
func (s Space) Feasible(x []float64) bool {
	if len(x) != len(s.Dims) {
		return false
	}
	sum := 0.0
	for i, d := range s.Dims {
		if x[i] < d.Low-tolerance(d.Low) || x[i] > d.High+tolerance(d.High) {
			return false
		}
		sum += x[i]
	}
	return sum >= s.TotalLow-tolerance(s.TotalLow) && sum <= s.TotalHigh+tolerance(s.TotalHigh)
}

// Repair projects x onto the feasible set: clamp into the boxes, then move
// the total into [TotalLow, TotalHigh] by spreading the shortfall over each
// channel's headroom (or the excess over each channel's slack). The
// returned bool is false when the result is still infeasible.
func (s Space) Repair(x []float64) ([]float64, bool) {
	out := make([]float64, len(s.Dims))
	sum := 0.0
	for i, d := range s.Dims {
		out[i] = clamp(x[i], d.Low, d.High)
		sum += out[i]
	}

	switch {
	case sum < s.TotalLow:
		need := s.TotalLow - sum
		room := 0.0
		for i, d := range s.Dims {
			room += d.High - out[i]
		}
		if room > 0 {
			f := math.Min(1, need/room)
			for i, d := range s.Dims {
				out[i] += f * (d.High - out[i])
			}
		}
	case sum > s.TotalHigh:
		excess := sum - s.TotalHigh
		slack := 0.0
		for i, d := range s.Dims {
			slack += out[i] - d.Low
		}
		if slack > 0 {
			f := math.Min(1, excess/slack)
			for i, d := range s.Dims {
				out[i] -= f * (out[i] - d.Low)
			}
		}
	}

	for i, d := range s.Dims {
		out[i] = clamp(out[i], d.Low, d.High)
	}
	return out, s.Feasible(out)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func tolerance(v float64) float64 {
	return 1e-9 * math.Max(1, math.Abs(v))
}
