package scenario

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

const validScenario = `{
	"name": "s1",
	"olv": {"unit": "$K", "initial_budget": 50, "lower_bound": 0, "upper_bound": 100},
	"paid_search": {"initial_budget": 100, "lower_bound": 10, "upper_bound": 200},
	"total_budget": {"unit": "$K", "initial_budget": 150, "lower_bound": 100, "upper_bound": 250},
	"timeout_minutes": 1,
	"max_trials": 50
}`

func validationProblems(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	return verr.Problems
}

func TestValidateAcceptsWellFormedScenario(t *testing.T) {
	sc, err := NewValidator(nil).ValidateJSON([]byte(validScenario))
	require.NoError(t, err)

	assert.Equal(t, "s1", sc.Name)
	assert.Equal(t, 1, sc.TimeoutMinutes)
	assert.Equal(t, 50, sc.MaxTrials)
	require.Len(t, sc.Channels, 2)
	assert.Equal(t, types.ChannelName("olv"), sc.Channels[0].Name)
	assert.Equal(t, types.ChannelName("paid_search"), sc.Channels[1].Name)

	ps, ok := sc.Channel("paid_search")
	require.True(t, ok)
	assert.Equal(t, types.UnitThousands, ps.Unit, "unit defaults to $K")
	assert.Equal(t, 10.0, ps.LowerBound)
	assert.Equal(t, 250.0, sc.TotalBudget.UpperBound)
}

func TestValidateAppliesDefaults(t *testing.T) {
	sc, err := NewValidator(nil).ValidateJSON([]byte(`{
		"name": "defaults",
		"olv": {"initial_budget": 1, "lower_bound": 0, "upper_bound": 2},
		"paid_search": {"initial_budget": 1, "lower_bound": 0, "upper_bound": 2},
		"total_budget": {"initial_budget": 2, "lower_bound": 0, "upper_bound": 4}
	}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeoutMinutes, sc.TimeoutMinutes)
	assert.Equal(t, DefaultMaxTrials, sc.MaxTrials)
}

func TestValidateAcceptsDisplayNames(t *testing.T) {
	sc, err := NewValidator(nil).ValidateJSON([]byte(`{
		"name": "aliases",
		"Online Video": {"unit": "$MM", "initial_budget": 1, "lower_bound": 0, "upper_bound": 2},
		"Paid Search": {"initial_budget": 1, "lower_bound": 0, "upper_bound": 2},
		"Total Budget": {"initial_budget": 2, "lower_bound": 0, "upper_bound": 4}
	}`))
	require.NoError(t, err)
	olv, ok := sc.Channel("olv")
	require.True(t, ok)
	assert.Equal(t, types.UnitThousands, olv.Unit)
	assert.Equal(t, 2000.0, olv.UpperBound)
}

func TestValidateNormalizesMillionsToThousands(t *testing.T) {
	// 通道下限合計 100（$K），總預算上限 0.25 $MM = 250 $K
	sc, err := NewValidator(nil).ValidateJSON([]byte(`{
		"name": "mixed",
		"olv": {"unit": "$K", "initial_budget": 60, "lower_bound": 50, "upper_bound": 100},
		"paid_search": {"initial_budget": 60, "lower_bound": 50, "upper_bound": 100},
		"total_budget": {"unit": "$MM", "initial_budget": 0.12, "lower_bound": 0.1, "upper_bound": 0.25}
	}`))
	require.NoError(t, err)

	assert.Equal(t, types.UnitThousands, sc.TotalBudget.Unit)
	assert.InDelta(t, 120.0, sc.TotalBudget.InitialBudget, 1e-9)
	assert.InDelta(t, 100.0, sc.TotalBudget.LowerBound, 1e-9)
	assert.InDelta(t, 250.0, sc.TotalBudget.UpperBound, 1e-9)

	_, err = NewValidator(nil).ValidateJSON([]byte(`{
		"name": "too-small",
		"olv": {"initial_budget": 60, "lower_bound": 50, "upper_bound": 100},
		"paid_search": {"initial_budget": 60, "lower_bound": 50, "upper_bound": 100},
		"total_budget": {"unit": "$MM", "initial_budget": 0.05, "lower_bound": 0, "upper_bound": 0.05}
	}`))
	problems := validationProblems(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "exceeds total_budget upper_bound 50")
}

func TestValidateRejectsInvertedBounds(t *testing.T) {
	problems := validationProblems(t, func() error {
		_, err := NewValidator(nil).ValidateJSON([]byte(`{
			"name": "bad",
			"olv": {"initial_budget": 50, "lower_bound": 100, "upper_bound": 10},
			"paid_search": {"initial_budget": 1, "lower_bound": 0, "upper_bound": 2},
			"total_budget": {"initial_budget": 2, "lower_bound": 0, "upper_bound": 400}
		}`))
		return err
	}())
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "olv")
	assert.Contains(t, problems[0], "exceeds upper_bound")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	problems := validationProblems(t, func() error {
		_, err := NewValidator(nil).ValidateJSON([]byte(`{
			"name": "  ",
			"olv": {"unit": "EUR", "initial_budget": -1, "lower_bound": 0},
			"timeout_minutes": 0,
			"max_trials": -3,
			"tv": {}
		}`))
		return err
	}())

	assert.Contains(t, problems, "name must not be empty")
	assert.Contains(t, problems, `olv: unsupported unit "EUR"`)
	assert.Contains(t, problems, "olv: initial_budget must be a non-negative number")
	assert.Contains(t, problems, "olv: upper_bound is required")
	assert.Contains(t, problems, `channel "paid_search" is required`)
	assert.Contains(t, problems, "total_budget is required")
	assert.Contains(t, problems, "timeout_minutes must be a positive integer")
	assert.Contains(t, problems, "max_trials must be a positive integer")
	assert.Contains(t, problems, `unknown field "tv"`)
}

func TestValidateRejectsUnreachableTotal(t *testing.T) {
	problems := validationProblems(t, func() error {
		_, err := NewValidator(nil).ValidateJSON([]byte(`{
			"name": "unreachable",
			"olv": {"initial_budget": 1, "lower_bound": 0, "upper_bound": 10},
			"paid_search": {"initial_budget": 1, "lower_bound": 0, "upper_bound": 10},
			"total_budget": {"initial_budget": 2, "lower_bound": 50, "upper_bound": 100}
		}`))
		return err
	}())
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "below total_budget lower_bound")
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"name":`))
	validationProblems(t, err)

	_, err = Decode([]byte(`null`))
	validationProblems(t, err)
}

func TestValidatorCustomChannels(t *testing.T) {
	v := NewValidator([]types.ChannelSpec{{Name: "radio"}})
	sc, err := v.ValidateJSON([]byte(`{
		"name": "radio-only",
		"radio": {"initial_budget": 5, "lower_bound": 1, "upper_bound": 9},
		"total_budget": {"initial_budget": 5, "lower_bound": 1, "upper_bound": 9}
	}`))
	require.NoError(t, err)
	require.Len(t, sc.Channels, 1)
	assert.Equal(t, types.ChannelName("radio"), sc.Channels[0].Name)
}
