// Package optimizer runs the budget search for one scenario: it proposes
// feasible allocations, evaluates them, and appends every resolved trial to
// the trial store until a stop condition holds.
package optimizer

// ============================================================================
// Optimization Engine
// Stop conditions, checked before every proposal:
//   - the study holds MaxTrials trials
//   - the wall-clock deadline (TimeoutMinutes from Run) has passed
//   - the context is cancelled
//   - MaxConsecutiveFailures evaluations in a row failed
// The in-flight trial always resolves (completed or failed) before Run
// returns. Cancellation fails it immediately; the deadline lets it finish.
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/budget-optimizer/internal/worker"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

const tracerName = "github.com/ChuLiYu/budget-optimizer/internal/optimizer"

var (
	// ErrNoFeasibleProposal is returned when repeated proposals could not be
	// repaired into the feasible set.
	ErrNoFeasibleProposal = errors.New("could not produce a feasible proposal")
)

// Objective scores an allocation. Larger is better.
type Objective func(ctx context.Context, alloc types.Allocation) (float64, error)

// TrialSink persists resolved trials and assigns their sequence numbers.
type TrialSink interface {
	AppendTrial(ctx context.Context, trial types.Trial) (types.Trial, error)
}

// Observer is notified after each trial is stored.
type Observer interface {
	ObserveTrial(trial types.Trial, elapsed time.Duration)
}

// StopReason says why Run returned.
type StopReason string

const (
	StopMaxTrials       StopReason = "max_trials"
	StopDeadline        StopReason = "deadline"
	StopCancelled       StopReason = "cancelled"
	StopTooManyFailures StopReason = "too_many_failures"
)

// Options tune the loop. Zero values take defaults.
type Options struct {
	Sampler                SamplerOptions `yaml:",inline"`
	MaxConsecutiveFailures int            `yaml:"max_consecutive_failures"`
	MaxRepairAttempts      int            `yaml:"max_repair_attempts"`
	Seed                   int64          `yaml:"seed"` // 0 derives a seed from the study name
}

// DefaultOptions returns the defaults used by the service.
func DefaultOptions() Options {
	return Options{
		Sampler:                DefaultSamplerOptions(),
		MaxConsecutiveFailures: 20,
		MaxRepairAttempts:      100,
	}
}

// Config wires an Engine.
type Config struct {
	Scenario  types.Scenario
	Options   Options
	Objective Objective
	Sink      TrialSink

	Clock          clock.Clock         // defaults to clock.WallClock
	Logger         *slog.Logger        // defaults to slog.Default()
	Observer       Observer            // optional
	TracerProvider trace.TracerProvider // defaults to the global provider
}

// Result summarizes a Run.
type Result struct {
	Reason    StopReason
	Evaluated int          // trials appended by this Run
	Best      *types.Trial // best completed trial of the whole study
}

// Engine is single-use per job; it is not safe for concurrent Run calls.
type Engine struct {
	scenario  types.Scenario
	space     Space
	opts      Options
	objective Objective
	sink      TrialSink
	clock     clock.Clock
	log       *slog.Logger
	observer  Observer
	tracer    trace.Tracer
}

// New validates the configuration and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Objective == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("optimizer: objective and sink are required")
	}
	space, err := NewSpace(cfg.Scenario)
	if err != nil {
		return nil, err
	}

	opts := cfg.Options
	def := DefaultOptions()
	opts.Sampler = opts.Sampler.withDefaults()
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if opts.MaxRepairAttempts <= 0 {
		opts.MaxRepairAttempts = def.MaxRepairAttempts
	}

	e := &Engine{
		scenario:  cfg.Scenario,
		space:     space,
		opts:      opts,
		objective: cfg.Objective,
		sink:      cfg.Sink,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		observer:  cfg.Observer,
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	e.tracer = tp.Tracer(tracerName)
	e.log = e.log.With("study", cfg.Scenario.Name)
	return e, nil
}

// Space returns the search space the engine samples from.
func (e *Engine) Space() Space { return e.space }

// Run optimizes until a stop condition holds. history is the study's
// existing trials; completed ones seed the sampler and new trials continue
// their numbering. A non-nil error means the loop could not continue
// (persistence failure or no feasible proposal).
func (e *Engine) Run(ctx context.Context, history []types.Trial) (Result, error) {
	deadline := e.clock.Now().Add(time.Duration(e.scenario.TimeoutMinutes) * time.Minute)
	sampler := NewSampler(e.space.Dims, e.opts.Sampler, e.seed(len(history)))

	res := Result{}
	for i := range history {
		t := history[i]
		if t.State != types.TrialCompleted || t.Value == nil {
			continue
		}
		if x, ok := e.space.Point(t.Allocation); ok {
			sampler.Observe(x, *t.Value)
		}
		if res.Best == nil || *t.Value > *res.Best.Value {
			res.Best = &t
		}
	}

	count := len(history)
	failures := 0
	e.log.Info("optimization started",
		"resumed_trials", count,
		"max_trials", e.scenario.MaxTrials,
		"timeout_minutes", e.scenario.TimeoutMinutes)

	for {
		switch {
		case count >= e.scenario.MaxTrials:
			res.Reason = StopMaxTrials
		case !e.clock.Now().Before(deadline):
			res.Reason = StopDeadline
		case ctx.Err() != nil:
			res.Reason = StopCancelled
		case failures >= e.opts.MaxConsecutiveFailures:
			res.Reason = StopTooManyFailures
		}
		if res.Reason != "" {
			break
		}

		x, err := e.propose(sampler)
		if err != nil {
			return res, err
		}

		trial, err := e.evaluate(ctx, x)
		if err != nil {
			return res, err
		}
		count++
		res.Evaluated++

		if trial.State == types.TrialCompleted {
			failures = 0
			sampler.Observe(x, *trial.Value)
			if res.Best == nil || *trial.Value > *res.Best.Value {
				t := trial
				res.Best = &t
			}
		} else {
			failures++
		}
	}

	attrs := []any{"reason", res.Reason, "evaluated", res.Evaluated, "total", count}
	if res.Best != nil {
		attrs = append(attrs, "best_trial", res.Best.Number, "best_value", *res.Best.Value)
	}
	e.log.Info("optimization stopped", attrs...)
	return res, nil
}

func (e *Engine) seed(offset int) int64 {
	if e.opts.Seed != 0 {
		return e.opts.Seed + int64(offset)
	}
	h := fnv.New64a()
	h.Write([]byte(e.scenario.Name))
	return int64(h.Sum64()>>1) + int64(offset)
}

func (e *Engine) propose(s *Sampler) ([]float64, error) {
	for i := 0; i < e.opts.MaxRepairAttempts; i++ {
		if x, ok := e.space.Repair(s.Propose()); ok {
			return x, nil
		}
	}
	return nil, worker.WithStack(fmt.Errorf("%w after %d attempts", ErrNoFeasibleProposal, e.opts.MaxRepairAttempts))
}

type outcome struct {
	value float64
	err   error
}

// evaluate scores x and appends the resolved trial.
func (e *Engine) evaluate(ctx context.Context, x []float64) (types.Trial, error) {
	alloc := e.space.Allocation(x)
	started := e.clock.Now()

	spanCtx, span := e.tracer.Start(ctx, "optimizer.trial",
		trace.WithAttributes(attribute.String("study", e.scenario.Name)))
	defer span.End()

	// The objective runs on its own goroutine so a cancelled job does not
	// wait on a stuck evaluation.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", types.ErrEvaluation, r)}
			}
		}()
		v, err := e.objective(spanCtx, alloc)
		done <- outcome{value: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: fmt.Errorf("%w: %v", types.ErrEvaluation, ctx.Err())}
	}
	if out.err == nil && (math.IsNaN(out.value) || math.IsInf(out.value, 0)) {
		out.err = fmt.Errorf("%w: non-finite objective value", types.ErrEvaluation)
	}

	trial := types.Trial{
		StudyName:  e.scenario.Name,
		Allocation: alloc,
		StartedAt:  started.UnixMilli(),
		FinishedAt: e.clock.Now().UnixMilli(),
	}
	if out.err != nil {
		trial.State = types.TrialFailed
		trial.Error = out.err.Error()
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "evaluation failed")
	} else {
		v := out.value
		trial.State = types.TrialCompleted
		trial.Value = &v
	}

	// the trial is resolved; persist it even when the job is being stopped
	stored, err := e.sink.AppendTrial(context.WithoutCancel(ctx), trial)
	if err != nil {
		return trial, worker.WithStack(fmt.Errorf("append trial: %w", err))
	}
	span.SetAttributes(attribute.Int("trial", stored.Number), attribute.String("state", string(stored.State)))

	elapsed := e.clock.Now().Sub(started)
	if e.observer != nil {
		e.observer.ObserveTrial(stored, elapsed)
	}
	if stored.State == types.TrialFailed {
		e.log.Warn("trial failed", "trial", stored.Number, "error", stored.Error)
	} else {
		e.log.Debug("trial completed", "trial", stored.Number, "value", *stored.Value)
	}
	return stored, nil
}
