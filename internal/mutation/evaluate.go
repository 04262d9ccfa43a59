package mutation

import (
	"strings"

	"slicetune/pkg/domain"
)

// Outcome classifies a rule evaluation.
type Outcome string

// Evaluation outcomes. Only OutcomeMutated produces a new profile version.
const (
	OutcomeMutated        Outcome = "mutated"
	OutcomeSuccess        Outcome = "skipped_success"
	OutcomeMissingFailure Outcome = "skipped_missing_failure_type"
	OutcomeUnmapped       Outcome = "skipped_unmapped"
	OutcomeAtBoundary     Outcome = "skipped_at_boundary"
)

// Decision is the result of evaluating one feedback record.
type Decision struct {
	Outcome    Outcome
	Rule       domain.MutationRuleID
	Parameters domain.ParameterSet
	Changes    []domain.ParameterChange
}

// Mutated reports whether the decision carries a new parameter set.
func (d Decision) Mutated() bool { return d.Outcome == OutcomeMutated }

// Evaluate decides how a feedback record changes current. It never applies
// more than one rule and never modifies current.
func (t *Table) Evaluate(record domain.FeedbackRecord, current domain.ParameterSet) Decision {
	keep := Decision{Parameters: current.Clone()}
	if domain.Outcome(strings.ToLower(string(record.Result))) != domain.OutcomeFailure {
		keep.Outcome = OutcomeSuccess
		return keep
	}
	if strings.TrimSpace(string(record.FailureType)) == "" {
		keep.Outcome = OutcomeMissingFailure
		return keep
	}
	rule, ok := t.Lookup(record.FailureType)
	if !ok {
		keep.Outcome = OutcomeUnmapped
		return keep
	}
	next := Apply(rule, current)
	if next.Equal(current) {
		keep.Outcome = OutcomeAtBoundary
		keep.Rule = rule.ID
		return keep
	}
	return Decision{
		Outcome:    OutcomeMutated,
		Rule:       rule.ID,
		Parameters: next,
		Changes:    next.Diff(current),
	}
}

// Apply returns a copy of params with every delta of rule applied, rounded to
// the parameter's precision and clamped to its range. Parameters missing from
// params are left absent.
func Apply(rule domain.MutationRule, params domain.ParameterSet) domain.ParameterSet {
	out := params.Clone()
	for _, d := range rule.Deltas {
		v, ok := out.Get(d.Parameter)
		if !ok {
			continue
		}
		spec, _ := domain.LookupParameter(d.Parameter)
		out = out.With(d.Parameter, spec.Clamp(spec.Round(d.Apply(v))))
	}
	return out
}
