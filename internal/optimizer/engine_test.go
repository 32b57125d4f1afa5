package optimizer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/budget-optimizer/internal/revenue"
	"github.com/ChuLiYu/budget-optimizer/internal/worker"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// memorySink is an in-memory TrialSink.
type memorySink struct {
	mu     sync.Mutex
	trials []types.Trial
	err    error
}

func (s *memorySink) AppendTrial(_ context.Context, t types.Trial) (types.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.Trial{}, s.err
	}
	t.Number = len(s.trials) + 1
	s.trials = append(s.trials, t)
	return t, nil
}

func (s *memorySink) snapshot() []types.Trial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Trial(nil), s.trials...)
}

type countingObserver struct {
	mu     sync.Mutex
	states map[types.TrialState]int
}

func (o *countingObserver) ObserveTrial(t types.Trial, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = map[types.TrialState]int{}
	}
	o.states[t.State]++
}

func testScenario(maxTrials, timeoutMinutes int) types.Scenario {
	return types.Scenario{
		Name: "s1",
		Channels: []types.ChannelBudget{
			{Name: "olv", BudgetRange: types.BudgetRange{Unit: types.UnitThousands, InitialBudget: 50, LowerBound: 0, UpperBound: 100}},
			{Name: "paid_search", BudgetRange: types.BudgetRange{Unit: types.UnitThousands, InitialBudget: 100, LowerBound: 10, UpperBound: 200}},
		},
		TotalBudget:    types.BudgetRange{Unit: types.UnitThousands, InitialBudget: 150, LowerBound: 100, UpperBound: 250},
		TimeoutMinutes: timeoutMinutes,
		MaxTrials:      maxTrials,
	}
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Options.Seed == 0 {
		cfg.Options.Seed = 7
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestRunStopsAtMaxTrialsWithFeasibleTrials(t *testing.T) {
	model := revenue.MustNew(revenue.DefaultConfig())
	ev, err := model.NewEvaluator(0)
	require.NoError(t, err)

	sink := &memorySink{}
	obs := &countingObserver{}
	e := newEngine(t, Config{
		Scenario:  testScenario(50, 60),
		Objective: ev.Evaluate,
		Sink:      sink,
		Observer:  obs,
	})

	res, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxTrials, res.Reason)
	assert.Equal(t, 50, res.Evaluated)

	trials := sink.snapshot()
	require.Len(t, trials, 50)
	best := math.Inf(-1)
	for i, tr := range trials {
		assert.Equal(t, i+1, tr.Number)
		assert.Equal(t, types.TrialCompleted, tr.State)
		x, ok := e.Space().Point(tr.Allocation)
		require.True(t, ok)
		assert.True(t, e.Space().Feasible(x), "trial %d infeasible: %v", tr.Number, tr.Allocation)
		best = math.Max(best, *tr.Value)
	}
	require.NotNil(t, res.Best)
	assert.Equal(t, best, *res.Best.Value)
	assert.Equal(t, 50, obs.states[types.TrialCompleted])
}

func TestRunStopsAtDeadline(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &memorySink{}
	e := newEngine(t, Config{
		Scenario: testScenario(100, 3),
		Clock:    clk,
		Sink:     sink,
		Objective: func(_ context.Context, a types.Allocation) (float64, error) {
			clk.Advance(time.Minute)
			return a.Sum(), nil
		},
	})

	res, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StopDeadline, res.Reason)
	assert.Len(t, sink.snapshot(), 3)
}

func TestRunCancellationResolvesInFlightTrial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	sink := &memorySink{}
	e := newEngine(t, Config{
		Scenario: testScenario(1000, 60),
		Sink:     sink,
		Objective: func(ctx context.Context, a types.Allocation) (float64, error) {
			calls++
			if calls == 5 {
				cancel()
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return a.Sum(), nil
		},
	})

	res, err := e.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, res.Reason)

	trials := sink.snapshot()
	require.Len(t, trials, 5)
	for _, tr := range trials[:4] {
		assert.Equal(t, types.TrialCompleted, tr.State)
	}
	assert.Equal(t, types.TrialFailed, trials[4].State)
	assert.Nil(t, trials[4].Value)
}

func TestRunDoesNotWaitForStuckObjectiveOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	sink := &memorySink{}
	e := newEngine(t, Config{
		Scenario: testScenario(10, 60),
		Sink:     sink,
		Objective: func(context.Context, types.Allocation) (float64, error) {
			cancel()
			<-release // ignores its context
			return 1, nil
		},
	})

	res, err := e.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, res.Reason)
	trials := sink.snapshot()
	require.Len(t, trials, 1)
	assert.Equal(t, types.TrialFailed, trials[0].State)
}

func TestRunStopsAfterConsecutiveFailures(t *testing.T) {
	sink := &memorySink{}
	e := newEngine(t, Config{
		Scenario: testScenario(100, 60),
		Options:  Options{MaxConsecutiveFailures: 5},
		Sink:     sink,
		Objective: func(context.Context, types.Allocation) (float64, error) {
			return 0, errors.New("model unavailable")
		},
	})

	res, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StopTooManyFailures, res.Reason)
	assert.Nil(t, res.Best)

	trials := sink.snapshot()
	require.Len(t, trials, 5)
	for _, tr := range trials {
		assert.Equal(t, types.TrialFailed, tr.State)
		assert.Nil(t, tr.Value)
		assert.Equal(t, "model unavailable", tr.Error)
	}
}

func TestRunRecordsPanickingObjectiveAsFailedTrial(t *testing.T) {
	sink := &memorySink{}
	e := newEngine(t, Config{
		Scenario: testScenario(3, 60),
		Sink:     sink,
		Objective: func(context.Context, types.Allocation) (float64, error) {
			panic("boom")
		},
	})

	res, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxTrials, res.Reason)
	trials := sink.snapshot()
	require.Len(t, trials, 3)
	assert.Contains(t, trials[0].Error, "panic: boom")
}

func TestRunRejectsNonFiniteValues(t *testing.T) {
	sink := &memorySink{}
	e := newEngine(t, Config{
		Scenario: testScenario(2, 60),
		Sink:     sink,
		Objective: func(context.Context, types.Allocation) (float64, error) {
			return math.NaN(), nil
		},
	})

	_, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	for _, tr := range sink.snapshot() {
		assert.Equal(t, types.TrialFailed, tr.State)
	}
}

func TestRunResumesNumberingAndCountsHistory(t *testing.T) {
	sink := &memorySink{}
	objective := func(_ context.Context, a types.Allocation) (float64, error) { return a.Sum(), nil }

	first := newEngine(t, Config{Scenario: testScenario(10, 60), Sink: sink, Objective: objective})
	_, err := first.Run(context.Background(), nil)
	require.NoError(t, err)
	history := sink.snapshot()
	require.Len(t, history, 10)

	second := newEngine(t, Config{Scenario: testScenario(15, 60), Sink: sink, Objective: objective})
	res, err := second.Run(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Evaluated)

	trials := sink.snapshot()
	require.Len(t, trials, 15)
	assert.Equal(t, 11, trials[10].Number)
	assert.Equal(t, 15, trials[14].Number)
	require.NotNil(t, res.Best)
}

func TestRunFailsLoudlyWhenSinkFails(t *testing.T) {
	sink := &memorySink{err: types.ErrPersistenceUnavailable}
	e := newEngine(t, Config{
		Scenario:  testScenario(5, 60),
		Sink:      sink,
		Objective: func(context.Context, types.Allocation) (float64, error) { return 1, nil },
	})

	_, err := e.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, types.ErrPersistenceUnavailable))
	assert.Contains(t, worker.StackTrace(err), "(*Engine).evaluate")
}

func TestNewRejectsInfeasibleScenario(t *testing.T) {
	sc := testScenario(5, 60)
	sc.TotalBudget.LowerBound = 1000
	sc.TotalBudget.UpperBound = 2000

	_, err := New(Config{
		Scenario:  sc,
		Sink:      &memorySink{},
		Objective: func(context.Context, types.Allocation) (float64, error) { return 1, nil },
	})
	assert.True(t, errors.Is(err, ErrInfeasible))
}

func TestSamplerConcentratesNearOptimum(t *testing.T) {
	sc := types.Scenario{
		Name:           "peak",
		Channels:       []types.ChannelBudget{{Name: "olv", BudgetRange: types.BudgetRange{UpperBound: 100}}},
		TotalBudget:    types.BudgetRange{UpperBound: 100},
		TimeoutMinutes: 60,
		MaxTrials:      60,
	}
	sink := &memorySink{}
	e := newEngine(t, Config{
		Scenario: sc,
		Sink:     sink,
		Objective: func(_ context.Context, a types.Allocation) (float64, error) {
			d := a["olv"] - 70
			return -d * d, nil
		},
	})

	res, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.InDelta(t, 70, res.Best.Allocation["olv"], 5)
}
