package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/budget-optimizer/internal/jobmanager"
	"github.com/ChuLiYu/budget-optimizer/internal/metrics"
	"github.com/ChuLiYu/budget-optimizer/internal/optimizer"
	"github.com/ChuLiYu/budget-optimizer/internal/revenue"
	"github.com/ChuLiYu/budget-optimizer/internal/scenario"
	"github.com/ChuLiYu/budget-optimizer/internal/trialstore"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var testChannels = []types.ChannelSpec{
	{Name: "channelA", Alias: "Channel A"},
	{Name: "channelB", Alias: "Channel B"},
}

func testModel(t *testing.T, delay time.Duration) *revenue.Model {
	t.Helper()
	cfg := revenue.DefaultConfig()
	cfg.EvalDelay = delay
	cfg.Channels = []revenue.ChannelConfig{
		{Name: "channelA", InitialBudget: 10, Mu: 1, Sigma: 0.4, Weight: 0.2, HalfSat: math.E, Shape: 2},
		{Name: "channelB", InitialBudget: 10, Mu: 2, Sigma: 0.2, Weight: 0.25, HalfSat: math.E * math.E, Shape: 4},
	}
	m, err := revenue.New(cfg)
	require.NoError(t, err)
	return m
}

func openStore(t *testing.T, path string) trialstore.Store {
	t.Helper()
	s, err := trialstore.OpenSQLite(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestController creates a Controller over the given store; it is
// shut down when the test ends.
func createTestController(t *testing.T, store trialstore.Store, delay time.Duration, mc *metrics.Collector) *Controller {
	t.Helper()
	opts := optimizer.DefaultOptions()
	opts.Seed = 7
	c, err := NewController(Config{
		Store:     store,
		Model:     testModel(t, delay),
		Validator: scenario.NewValidator(testChannels),
		Optimizer: opts,
		Metrics:   mc,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func newTestController(t *testing.T, delay time.Duration) *Controller {
	t.Helper()
	store := openStore(t, filepath.Join(t.TempDir(), "studies.db"))
	return createTestController(t, store, delay, nil)
}

func scenarioJSON(name string, maxTrials int) []byte {
	return []byte(fmt.Sprintf(`{
		"name": %q,
		"channelA": {"initial_budget": 10, "lower_bound": 0, "upper_bound": 20},
		"channelB": {"initial_budget": 10, "lower_bound": 0, "upper_bound": 20},
		"total_budget": {"initial_budget": 20, "lower_bound": 10, "upper_bound": 30},
		"max_trials": %d,
		"timeout_minutes": 1
	}`, name, maxTrials))
}

// waitForJobStatus waits for a job to reach the given status
func waitForJobStatus(t *testing.T, c *Controller, name string, want types.JobStatus, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := c.JobStatus(name)
		return err == nil && info.Status == want
	}, timeout, 10*time.Millisecond, "job %q never reached %s", name, want)
}

func trialCount(t *testing.T, c *Controller, name string) int {
	t.Helper()
	study, err := c.Get(context.Background(), name)
	require.NoError(t, err)
	return len(study.Trials)
}

func waitForTrials(t *testing.T, c *Controller, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		study, err := c.Get(context.Background(), name)
		return err == nil && len(study.Trials) >= n
	}, 10*time.Second, 10*time.Millisecond, "study %q never reached %d trials", name, n)
}

// ============================================================================
// Tests
// ============================================================================

func TestNewControllerRejectsUnknownChannel(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "studies.db"))
	_, err := NewController(Config{
		Store:     store,
		Model:     testModel(t, 0),
		Validator: scenario.NewValidator([]types.ChannelSpec{{Name: "tv"}}),
	})
	assert.ErrorContains(t, err, `channel "tv"`)

	_, err = NewController(Config{Model: testModel(t, 0)})
	assert.Error(t, err)
}

// TestEndToEnd submits a scenario and waits for the job to finish
func TestEndToEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector(reg)
	store := openStore(t, filepath.Join(t.TempDir(), "studies.db"))
	c := createTestController(t, store, 0, mc)
	ctx := context.Background()

	sc, err := c.Create(ctx, scenarioJSON("s1", 50))
	require.NoError(t, err)
	assert.Equal(t, "s1", sc.Name)
	assert.Equal(t, []string{"s1"}, c.List(ctx))

	waitForJobStatus(t, c, "s1", types.JobDone, 30*time.Second)

	study, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, study.Trials, 50)
	for i, tr := range study.Trials {
		assert.Equal(t, i+1, tr.Number)
		assert.NotEqual(t, types.TrialRunning, tr.State)
	}

	best, err := c.BestTrial(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, best)
	for _, ch := range sc.Channels {
		assert.True(t, ch.Contains(best.Allocation[ch.Name]), "%s=%g outside bounds", ch.Name, best.Allocation[ch.Name])
	}
	assert.True(t, sc.TotalBudget.Contains(best.Allocation.Sum()), "sum %g outside total budget", best.Allocation.Sum())
	for _, tr := range study.Trials {
		if tr.Value != nil {
			assert.LessOrEqual(t, *tr.Value, *best.Value)
		}
	}

	settings, err := c.Settings(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sc.Settings(), settings)

	expected := `
# HELP optimizer_scenarios_created_total Total number of scenarios accepted
# TYPE optimizer_scenarios_created_total counter
optimizer_scenarios_created_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "optimizer_scenarios_created_total"))
	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "optimizer_jobs_finished_total")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestCreateRejectsInvalidScenario tests no study or job is left behind
func TestCreateRejectsInvalidScenario(t *testing.T) {
	c := newTestController(t, 0)
	ctx := context.Background()

	bad := []byte(`{
		"name": "bad",
		"channelA": {"initial_budget": 10, "lower_bound": 30, "upper_bound": 20},
		"channelB": {"initial_budget": 10, "lower_bound": 0, "upper_bound": 20},
		"total_budget": {"initial_budget": 20, "lower_bound": 10, "upper_bound": 30}
	}`)
	_, err := c.Create(ctx, bad)
	assert.True(t, errors.Is(err, types.ErrValidation))

	var verr *scenario.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.NotEmpty(t, verr.Problems)

	assert.Empty(t, c.List(ctx))
	_, err = c.JobStatus("bad")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

// TestCreateRejectsDuplicateName tests the first job is unaffected
func TestCreateRejectsDuplicateName(t *testing.T) {
	c := newTestController(t, 5*time.Millisecond)
	ctx := context.Background()

	_, err := c.Create(ctx, scenarioJSON("s1", 100000))
	require.NoError(t, err)
	waitForJobStatus(t, c, "s1", types.JobRunning, 5*time.Second)

	_, err = c.Create(ctx, scenarioJSON("s1", 10))
	assert.True(t, errors.Is(err, types.ErrAlreadyExists))

	settings, err := c.Settings(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 100000, settings.MaxTrials)

	before := trialCount(t, c, "s1")
	waitForTrials(t, c, "s1", before+2)
	info, err := c.JobStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, info.Status)
}

// TestDelete tests terminate + join before the study is removed
func TestDelete(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "studies.db"))
	c := createTestController(t, store, 5*time.Millisecond, nil)
	ctx := context.Background()

	err := c.Delete(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	_, err = c.Create(ctx, scenarioJSON("s1", 100000))
	require.NoError(t, err)
	waitForTrials(t, c, "s1", 2)

	require.NoError(t, c.Delete(ctx, "s1"))
	assert.Empty(t, c.List(ctx))
	_, err = c.JobStatus("s1")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// a stale writer can no longer append
	v := 1.0
	_, err = store.AppendTrial(ctx, types.Trial{
		StudyName:  "s1",
		Allocation: types.Allocation{"channelA": 5, "channelB": 5},
		Value:      &v,
		State:      types.TrialCompleted,
	})
	assert.True(t, errors.Is(err, types.ErrNotFound))

	_, err = c.Get(ctx, "s1")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// the name can be reused
	_, err = c.Create(ctx, scenarioJSON("s1", 5))
	require.NoError(t, err)
	waitForJobStatus(t, c, "s1", types.JobDone, 10*time.Second)
	assert.Equal(t, 5, trialCount(t, c, "s1"))
}

// TestConcurrentJobsAreIndependent tests terminating one job leaves the other running
func TestConcurrentJobsAreIndependent(t *testing.T) {
	c := newTestController(t, 5*time.Millisecond)
	ctx := context.Background()

	_, err := c.Create(ctx, scenarioJSON("a", 100000))
	require.NoError(t, err)
	_, err = c.Create(ctx, scenarioJSON("b", 100000))
	require.NoError(t, err)
	waitForTrials(t, c, "a", 2)
	waitForTrials(t, c, "b", 2)

	require.NoError(t, c.Delete(ctx, "a"))

	before := trialCount(t, c, "b")
	waitForTrials(t, c, "b", before+3)
	info, err := c.JobStatus("b")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, info.Status)
	assert.Empty(t, info.Failure)
	assert.Equal(t, []string{"b"}, c.List(ctx))

	stats := c.Stats(ctx)
	assert.Equal(t, 1, stats.Studies)
	assert.Equal(t, 1, stats.Jobs[string(types.JobRunning)])
}

// TestPredict tests the direct model calls
func TestPredict(t *testing.T) {
	c := newTestController(t, 0)
	ctx := context.Background()

	nominal, err := c.Predict(ctx, types.Allocation{"channelA": 10, "channelB": 10})
	require.NoError(t, err)
	assert.InDelta(t, c.model.Baseline(), nominal, 1e-9)

	zero, err := c.Predict(ctx, types.Allocation{"channelA": 0, "channelB": 0})
	require.NoError(t, err)
	assert.Less(t, zero, nominal)

	breakdown, err := c.Contributions(ctx, types.Allocation{"channelA": 0, "channelB": 0})
	require.NoError(t, err)
	assert.InDelta(t, zero, breakdown.Baseline, 1e-9)

	_, err = c.Predict(ctx, types.Allocation{"tv": 1})
	assert.True(t, errors.Is(err, types.ErrValidation))
}

// TestResumeAfterRestart tests a study continues to max_trials in a new controller
func TestResumeAfterRestart(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "studies.db"))
	ctx := context.Background()

	first, err := NewController(Config{
		Store:     store,
		Model:     testModel(t, 20*time.Millisecond),
		Validator: scenario.NewValidator(testChannels),
	})
	require.NoError(t, err)
	_, err = first.Create(ctx, scenarioJSON("s1", 40))
	require.NoError(t, err)
	waitForTrials(t, first, "s1", 3)
	require.NoError(t, first.Shutdown(ctx))

	interrupted := trialCount(t, first, "s1")
	require.Less(t, interrupted, 40)

	second := createTestController(t, store, 0, nil)
	err = second.Resume(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	n, err := second.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a running job cannot be resumed twice
	if info, err := second.JobStatus("s1"); err == nil && !info.Status.IsTerminal() {
		err := second.Resume(ctx, "s1")
		assert.True(t, err == nil || errors.Is(err, jobmanager.ErrDuplicateJob))
	}

	waitForJobStatus(t, second, "s1", types.JobDone, 30*time.Second)
	study, err := second.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, study.Trials, 40)
	for i, tr := range study.Trials {
		assert.Equal(t, i+1, tr.Number)
	}

	n, err = second.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestCreateWithUnavailableStore tests write paths fail loudly
func TestCreateWithUnavailableStore(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "studies.db"))
	c := createTestController(t, store, 0, nil)
	require.NoError(t, store.Close())
	ctx := context.Background()

	_, err := c.Create(ctx, scenarioJSON("s1", 10))
	assert.True(t, errors.Is(err, types.ErrPersistenceUnavailable))
	_, err = c.JobStatus("s1")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// read paths degrade
	assert.Empty(t, c.List(ctx))
}
