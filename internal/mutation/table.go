// Package mutation holds the data-driven rule table that maps print failures
// to bounded parameter adjustments, and the pure function that applies it.
package mutation

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"slicetune/pkg/domain"
)

// Rule identifiers of the default table.
const (
	RuleIncreaseFlow    domain.MutationRuleID = "increase_flow"
	RuleDecreaseFlow    domain.MutationRuleID = "decrease_flow"
	RuleReduceStringing domain.MutationRuleID = "reduce_stringing"
	RuleImproveAdhesion domain.MutationRuleID = "improve_adhesion"
	RuleReduceWarping   domain.MutationRuleID = "reduce_warping"
	RuleSlowPrint       domain.MutationRuleID = "slow_print"
)

var defaultRules = []domain.MutationRule{
	{ID: RuleIncreaseFlow, FailureType: domain.FailureUnderExtrusion, Deltas: []domain.ParameterDelta{
		{Parameter: domain.ParamFlowMultiplier, Op: domain.DeltaMultiply, Magnitude: 1.02},
	}},
	{ID: RuleDecreaseFlow, FailureType: domain.FailureOverExtrusion, Deltas: []domain.ParameterDelta{
		{Parameter: domain.ParamFlowMultiplier, Op: domain.DeltaMultiply, Magnitude: 0.98},
	}},
	{ID: RuleReduceStringing, FailureType: domain.FailureStringing, Deltas: []domain.ParameterDelta{
		{Parameter: domain.ParamRetractionDistance, Op: domain.DeltaAdd, Magnitude: 0.2},
		{Parameter: domain.ParamNozzleTemperature, Op: domain.DeltaAdd, Magnitude: -5},
	}},
	{ID: RuleImproveAdhesion, FailureType: domain.FailureAdhesion, Deltas: []domain.ParameterDelta{
		{Parameter: domain.ParamBedTemperature, Op: domain.DeltaAdd, Magnitude: 5},
		{Parameter: domain.ParamFirstLayerSpeedFactor, Op: domain.DeltaMultiply, Magnitude: 0.90},
	}},
	{ID: RuleReduceWarping, FailureType: domain.FailureWarping, Deltas: []domain.ParameterDelta{
		{Parameter: domain.ParamBedTemperature, Op: domain.DeltaAdd, Magnitude: 5},
	}},
	{ID: RuleSlowPrint, FailureType: domain.FailureLayerShift, Deltas: []domain.ParameterDelta{
		{Parameter: domain.ParamPrintSpeed, Op: domain.DeltaMultiply, Magnitude: 0.95},
	}},
}

// Table maps failure types to mutation rules. It is immutable after construction.
type Table struct {
	rules map[domain.FailureType]domain.MutationRule
}

// DefaultTable returns the canonical rule table.
func DefaultTable() *Table {
	t, err := NewTable(defaultRules...)
	if err != nil {
		panic(fmt.Errorf("mutation: default table invalid: %w", err))
	}
	return t
}

// NewTable validates rules and builds a table. Each failure type may map to
// at most one rule.
func NewTable(rules ...domain.MutationRule) (*Table, error) {
	t := &Table{rules: make(map[domain.FailureType]domain.MutationRule, len(rules))}
	ids := make(map[domain.MutationRuleID]struct{}, len(rules))
	for _, rule := range rules {
		rule = rule.Clone()
		rule.FailureType = normalizeFailure(rule.FailureType)
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		if _, dup := t.rules[rule.FailureType]; dup {
			return nil, fmt.Errorf("mutation: duplicate rule for failure type %q", rule.FailureType)
		}
		if _, dup := ids[rule.ID]; dup {
			return nil, fmt.Errorf("mutation: duplicate rule id %q", rule.ID)
		}
		ids[rule.ID] = struct{}{}
		t.rules[rule.FailureType] = rule
	}
	return t, nil
}

func validateRule(rule domain.MutationRule) error {
	if rule.ID == "" {
		return fmt.Errorf("mutation: rule for %q has no id", rule.FailureType)
	}
	if rule.ID == domain.ReasonManualEdit || rule.ID == domain.ReasonManualRollback {
		return fmt.Errorf("mutation: rule id %q is reserved", rule.ID)
	}
	if rule.FailureType == "" {
		return fmt.Errorf("mutation: rule %q has no failure type", rule.ID)
	}
	if len(rule.Deltas) == 0 {
		return fmt.Errorf("mutation: rule %q has no deltas", rule.ID)
	}
	for _, d := range rule.Deltas {
		if _, ok := domain.LookupParameter(d.Parameter); !ok {
			return fmt.Errorf("mutation: rule %q adjusts unknown parameter %q", rule.ID, d.Parameter)
		}
		if math.IsNaN(d.Magnitude) || math.IsInf(d.Magnitude, 0) {
			return fmt.Errorf("mutation: rule %q has non-finite magnitude", rule.ID)
		}
		switch d.Op {
		case domain.DeltaAdd:
		case domain.DeltaMultiply:
			if d.Magnitude <= 0 {
				return fmt.Errorf("mutation: rule %q multiplies %s by non-positive %g", rule.ID, d.Parameter, d.Magnitude)
			}
		default:
			return fmt.Errorf("mutation: rule %q has unknown op %q", rule.ID, d.Op)
		}
	}
	return nil
}

func normalizeFailure(ft domain.FailureType) domain.FailureType {
	return domain.FailureType(strings.ToLower(strings.TrimSpace(string(ft))))
}

// Lookup returns the rule for a failure type.
func (t *Table) Lookup(ft domain.FailureType) (domain.MutationRule, bool) {
	rule, ok := t.rules[normalizeFailure(ft)]
	if !ok {
		return domain.MutationRule{}, false
	}
	return rule.Clone(), true
}

// Rules returns all rules ordered by failure type.
func (t *Table) Rules() []domain.MutationRule {
	out := make([]domain.MutationRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailureType < out[j].FailureType })
	return out
}

type tableFile struct {
	Rules []domain.MutationRule `yaml:"rules"`
}

// LoadTable reads a YAML rule table of the form:
//
//	rules:
//	  - id: increase_flow
//	    failure_type: under_extrusion
//	    deltas:
//	      - {parameter: flow_multiplier, op: multiply, magnitude: 1.02}
func LoadTable(r io.Reader) (*Table, error) {
	var file tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode rule table: %w", err)
	}
	return NewTable(file.Rules...)
}
