// Package scenario decodes budget scenarios from their wire shape and
// validates them into immutable types.Scenario values.
package scenario

// ============================================================================
// Scenario Model
// Responsibilities:
// 1. Decode the flat wire object (name, one key per channel, total_budget)
// 2. Validate bounds, units, limits and total-budget feasibility
//    ($MM amounts are normalized to $K)
// 3. Report every problem at once through ValidationError
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Defaults applied when the wire object omits the limits.
const (
	DefaultTimeoutMinutes = 60
	DefaultMaxTrials      = 1000
)

// thousandsPerMillion converts $MM amounts to the $K scale the revenue
// model and the search space work in.
const thousandsPerMillion = 1000

// Reserved wire keys.
const (
	keyName           = "name"
	keyTotalBudget    = "total_budget"
	aliasTotalBudget  = "Total Budget"
	keyTimeoutMinutes = "timeout_minutes"
	keyMaxTrials      = "max_trials"
)

// ValidationError lists every problem found in a submitted scenario.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", types.ErrValidation, strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match with errors.Is(err, types.ErrValidation).
func (e *ValidationError) Unwrap() error {
	return types.ErrValidation
}

// Raw is the undecoded wire object keyed by field name.
type Raw map[string]json.RawMessage

// Decode parses the wire JSON. Malformed input is a validation failure.
func Decode(data []byte) (Raw, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("malformed scenario: %v", err)}}
	}
	if raw == nil {
		return nil, &ValidationError{Problems: []string{"scenario must be a JSON object"}}
	}
	return raw, nil
}

// rawRange mirrors BudgetRange with optional fields so that missing values
// can be told apart from zeros.
type rawRange struct {
	Unit          *string  `json:"unit"`
	InitialBudget *float64 `json:"initial_budget"`
	LowerBound    *float64 `json:"lower_bound"`
	UpperBound    *float64 `json:"upper_bound"`
}

// Validator checks scenarios against the accepted channel set.
type Validator struct {
	channels []types.ChannelSpec
}

// NewValidator returns a validator for the given channels. An empty list
// falls back to types.DefaultChannels.
func NewValidator(channels []types.ChannelSpec) *Validator {
	if len(channels) == 0 {
		channels = types.DefaultChannels
	}
	return &Validator{channels: channels}
}

// Channels returns the accepted channel set.
func (v *Validator) Channels() []types.ChannelSpec {
	return v.channels
}

// ValidateJSON decodes and validates in one step.
func (v *Validator) ValidateJSON(data []byte) (types.Scenario, error) {
	raw, err := Decode(data)
	if err != nil {
		return types.Scenario{}, err
	}
	return v.Validate(raw)
}

// Validate converts a wire object into a Scenario or a *ValidationError.
func (v *Validator) Validate(raw Raw) (types.Scenario, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	sc := types.Scenario{
		TimeoutMinutes: DefaultTimeoutMinutes,
		MaxTrials:      DefaultMaxTrials,
	}
	known := map[string]bool{keyName: true, keyTimeoutMinutes: true, keyMaxTrials: true}

	// name
	if msg, ok := raw[keyName]; !ok {
		addf("name is required")
	} else if err := json.Unmarshal(msg, &sc.Name); err != nil {
		addf("name must be a string")
	} else if sc.Name = strings.TrimSpace(sc.Name); sc.Name == "" {
		addf("name must not be empty")
	}

	// channels
	for _, spec := range v.channels {
		key, msg, ok := lookup(raw, string(spec.Name), spec.Alias)
		known[string(spec.Name)], known[spec.Alias] = true, true
		if !ok {
			addf("channel %q is required", spec.Name)
			continue
		}
		r, errs := decodeRange(key, msg)
		problems = append(problems, errs...)
		sc.Channels = append(sc.Channels, types.ChannelBudget{Name: spec.Name, BudgetRange: r})
	}

	// total budget
	known[keyTotalBudget], known[aliasTotalBudget] = true, true
	if key, msg, ok := lookup(raw, keyTotalBudget, aliasTotalBudget); !ok {
		addf("%s is required", keyTotalBudget)
	} else {
		r, errs := decodeRange(key, msg)
		problems = append(problems, errs...)
		sc.TotalBudget = r
	}

	// limits
	if msg, ok := raw[keyTimeoutMinutes]; ok {
		if err := json.Unmarshal(msg, &sc.TimeoutMinutes); err != nil || sc.TimeoutMinutes <= 0 {
			addf("%s must be a positive integer", keyTimeoutMinutes)
		}
	}
	if msg, ok := raw[keyMaxTrials]; ok {
		if err := json.Unmarshal(msg, &sc.MaxTrials); err != nil || sc.MaxTrials <= 0 {
			addf("%s must be a positive integer", keyMaxTrials)
		}
	}

	var unknown []string
	for key := range raw {
		if key != "" && !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		addf("unknown field %q", key)
	}

	if len(problems) == 0 {
		problems = append(problems, feasibility(sc)...)
	}
	if len(problems) > 0 {
		return types.Scenario{}, &ValidationError{Problems: problems}
	}
	return sc, nil
}

func lookup(raw Raw, keys ...string) (string, json.RawMessage, bool) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if msg, ok := raw[k]; ok {
			return k, msg, true
		}
	}
	return "", nil, false
}

func decodeRange(key string, msg json.RawMessage) (types.BudgetRange, []string) {
	var problems []string
	var rr rawRange

	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rr); err != nil {
		return types.BudgetRange{}, []string{fmt.Sprintf("%s: %v", key, err)}
	}

	r := types.BudgetRange{Unit: types.UnitThousands}
	if rr.Unit != nil {
		switch u := types.Unit(*rr.Unit); u {
		case types.UnitThousands, types.UnitMillions:
			r.Unit = u
		default:
			problems = append(problems, fmt.Sprintf("%s: unsupported unit %q", key, *rr.Unit))
		}
	}

	fields := []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"initial_budget", rr.InitialBudget, &r.InitialBudget},
		{"lower_bound", rr.LowerBound, &r.LowerBound},
		{"upper_bound", rr.UpperBound, &r.UpperBound},
	}
	for _, f := range fields {
		switch {
		case f.src == nil:
			problems = append(problems, fmt.Sprintf("%s: %s is required", key, f.name))
		case math.IsNaN(*f.src) || math.IsInf(*f.src, 0) || *f.src < 0:
			problems = append(problems, fmt.Sprintf("%s: %s must be a non-negative number", key, f.name))
		default:
			*f.dst = *f.src
		}
	}

	if rr.LowerBound != nil && rr.UpperBound != nil && *rr.LowerBound > *rr.UpperBound {
		problems = append(problems, fmt.Sprintf("%s: lower_bound %g exceeds upper_bound %g", key, *rr.LowerBound, *rr.UpperBound))
	}

	// 統一換算成 $K，後續加總與搜尋空間不必再看單位
	if r.Unit == types.UnitMillions {
		r.InitialBudget *= thousandsPerMillion
		r.LowerBound *= thousandsPerMillion
		r.UpperBound *= thousandsPerMillion
		r.Unit = types.UnitThousands
	}
	return r, problems
}

// feasibility rejects scenarios whose channel boxes cannot reach the
// total-budget interval.
func feasibility(sc types.Scenario) []string {
	minSum, maxSum := 0.0, 0.0
	for _, c := range sc.Channels {
		minSum += c.LowerBound
		maxSum += c.UpperBound
	}
	var problems []string
	if minSum > sc.TotalBudget.UpperBound {
		problems = append(problems, fmt.Sprintf("sum of channel lower bounds %g exceeds total_budget upper_bound %g", minSum, sc.TotalBudget.UpperBound))
	}
	if maxSum < sc.TotalBudget.LowerBound {
		problems = append(problems, fmt.Sprintf("sum of channel upper bounds %g is below total_budget lower_bound %g", maxSum, sc.TotalBudget.LowerBound))
	}
	return problems
}
