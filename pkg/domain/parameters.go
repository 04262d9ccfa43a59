package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParameterName identifies a tunable slicing parameter.
type ParameterName string

// Tunable parameters in canonical order.
const (
	ParamLayerHeight           ParameterName = "layer_height"
	ParamFirstLayerHeight      ParameterName = "first_layer_height"
	ParamWallThickness         ParameterName = "wall_thickness"
	ParamTopBottomThickness    ParameterName = "top_bottom_thickness"
	ParamInfillDensity         ParameterName = "infill_density"
	ParamNozzleTemperature     ParameterName = "nozzle_temperature"
	ParamBedTemperature        ParameterName = "bed_temperature"
	ParamPrintSpeed            ParameterName = "print_speed"
	ParamTravelSpeed           ParameterName = "travel_speed"
	ParamFirstLayerSpeedFactor ParameterName = "first_layer_speed_factor"
	ParamFlowMultiplier        ParameterName = "flow_multiplier"
	ParamRetractionDistance    ParameterName = "retraction_distance"
	ParamRetractionSpeed       ParameterName = "retraction_speed"
	ParamPressureAdvance       ParameterName = "pressure_advance"
)

// ParameterSpec declares the unit, valid range, and rounding precision of a
// parameter. Ranges are device independent.
type ParameterSpec struct {
	Name      ParameterName `json:"name"`
	Unit      string        `json:"unit"`
	Min       float64       `json:"min"`
	Max       float64       `json:"max"`
	Precision int           `json:"precision"`
}

var parameterCatalog = []ParameterSpec{
	{Name: ParamLayerHeight, Unit: "mm", Min: 0.05, Max: 0.6, Precision: 3},
	{Name: ParamFirstLayerHeight, Unit: "mm", Min: 0.1, Max: 0.6, Precision: 3},
	{Name: ParamWallThickness, Unit: "mm", Min: 0.4, Max: 4.0, Precision: 2},
	{Name: ParamTopBottomThickness, Unit: "mm", Min: 0.4, Max: 4.0, Precision: 2},
	{Name: ParamInfillDensity, Unit: "%", Min: 0, Max: 100, Precision: 1},
	{Name: ParamNozzleTemperature, Unit: "C", Min: 180, Max: 300, Precision: 1},
	{Name: ParamBedTemperature, Unit: "C", Min: 0, Max: 120, Precision: 1},
	{Name: ParamPrintSpeed, Unit: "mm/s", Min: 10, Max: 300, Precision: 2},
	{Name: ParamTravelSpeed, Unit: "mm/s", Min: 50, Max: 500, Precision: 2},
	{Name: ParamFirstLayerSpeedFactor, Unit: "ratio", Min: 0.2, Max: 1.0, Precision: 4},
	{Name: ParamFlowMultiplier, Unit: "ratio", Min: 0.8, Max: 1.2, Precision: 4},
	{Name: ParamRetractionDistance, Unit: "mm", Min: 0, Max: 8, Precision: 3},
	{Name: ParamRetractionSpeed, Unit: "mm/s", Min: 10, Max: 100, Precision: 2},
	{Name: ParamPressureAdvance, Unit: "s", Min: 0, Max: 1.0, Precision: 4},
}

var catalogIndex = func() map[ParameterName]int {
	idx := make(map[ParameterName]int, len(parameterCatalog))
	for i, spec := range parameterCatalog {
		idx[spec.Name] = i
	}
	return idx
}()

// Catalog returns a copy of the parameter catalog in canonical order.
func Catalog() []ParameterSpec {
	out := make([]ParameterSpec, len(parameterCatalog))
	copy(out, parameterCatalog)
	return out
}

// LookupParameter returns the catalog entry for name.
func LookupParameter(name ParameterName) (ParameterSpec, bool) {
	i, ok := catalogIndex[name]
	if !ok {
		return ParameterSpec{}, false
	}
	return parameterCatalog[i], true
}

// Clamp forces v into [Min, Max].
func (s ParameterSpec) Clamp(v float64) float64 {
	if v < s.Min {
		return s.Min
	}
	if v > s.Max {
		return s.Max
	}
	return v
}

// Round rounds v to the spec's precision.
func (s ParameterSpec) Round(v float64) float64 {
	scale := math.Pow(10, float64(s.Precision))
	return math.Round(v*scale) / scale
}

// Contains reports whether v lies within the declared range.
func (s ParameterSpec) Contains(v float64) bool {
	return v >= s.Min && v <= s.Max
}

// Parameter is a single named value within a ParameterSet.
type Parameter struct {
	Name  ParameterName `json:"name"`
	Value float64       `json:"value"`
	Unit  string        `json:"unit"`
}

// ParameterSet is an ordered list of parameters. Known parameters appear in
// catalog order, unknown ones after them sorted by name. Methods never modify
// the receiver; they return copies.
type ParameterSet []Parameter

// NewParameterSet builds a set from plain values.
func NewParameterSet(values map[ParameterName]float64) ParameterSet {
	out := make(ParameterSet, 0, len(values))
	for name, v := range values {
		out = append(out, Parameter{Name: name, Value: v, Unit: unitFor(name)})
	}
	out.sort()
	return out
}

func unitFor(name ParameterName) string {
	if spec, ok := LookupParameter(name); ok {
		return spec.Unit
	}
	return ""
}

func (ps ParameterSet) sort() {
	sort.SliceStable(ps, func(i, j int) bool {
		ii, iok := catalogIndex[ps[i].Name]
		jj, jok := catalogIndex[ps[j].Name]
		switch {
		case iok && jok:
			return ii < jj
		case iok != jok:
			return iok
		default:
			return ps[i].Name < ps[j].Name
		}
	})
}

// Clone returns a deep copy.
func (ps ParameterSet) Clone() ParameterSet {
	if ps == nil {
		return nil
	}
	out := make(ParameterSet, len(ps))
	copy(out, ps)
	return out
}

// Get returns the value of name.
func (ps ParameterSet) Get(name ParameterName) (float64, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// With returns a copy with name set to v, inserting it in canonical order
// when absent.
func (ps ParameterSet) With(name ParameterName, v float64) ParameterSet {
	out := ps.Clone()
	for i := range out {
		if out[i].Name == name {
			out[i].Value = v
			return out
		}
	}
	out = append(out, Parameter{Name: name, Value: v, Unit: unitFor(name)})
	out.sort()
	return out
}

// Values returns the set as a plain map.
func (ps ParameterSet) Values() map[ParameterName]float64 {
	out := make(map[ParameterName]float64, len(ps))
	for _, p := range ps {
		out[p.Name] = p.Value
	}
	return out
}

// Equal reports whether both sets hold the same names and values in the same order.
func (ps ParameterSet) Equal(other ParameterSet) bool {
	if len(ps) != len(other) {
		return false
	}
	for i := range ps {
		if ps[i].Name != other[i].Name || ps[i].Value != other[i].Value {
			return false
		}
	}
	return true
}

// Clamp returns a copy with every known parameter forced into its range.
func (ps ParameterSet) Clamp() ParameterSet {
	out := ps.Clone()
	for i := range out {
		if spec, ok := LookupParameter(out[i].Name); ok {
			out[i].Value = spec.Clamp(out[i].Value)
		}
	}
	return out
}

// Normalize returns a canonical copy: sorted, units filled from the catalog
// and values rounded to catalog precision.
func (ps ParameterSet) Normalize() ParameterSet {
	out := ps.Clone()
	for i := range out {
		if spec, ok := LookupParameter(out[i].Name); ok {
			out[i].Unit = spec.Unit
			out[i].Value = spec.Round(out[i].Value)
		}
	}
	out.sort()
	return out
}

// Validate checks that every parameter is known, finite, unique, and in range.
func (ps ParameterSet) Validate() error {
	if len(ps) == 0 {
		return &ValidationError{Field: "parameters", Message: "must not be empty"}
	}
	seen := make(map[ParameterName]struct{}, len(ps))
	var problems []string
	for _, p := range ps {
		if _, dup := seen[p.Name]; dup {
			problems = append(problems, fmt.Sprintf("%s duplicated", p.Name))
			continue
		}
		seen[p.Name] = struct{}{}
		spec, ok := LookupParameter(p.Name)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s unknown", p.Name))
			continue
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			problems = append(problems, fmt.Sprintf("%s not finite", p.Name))
			continue
		}
		if !spec.Contains(p.Value) {
			problems = append(problems, fmt.Sprintf("%s=%g outside [%g, %g]", p.Name, p.Value, spec.Min, spec.Max))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Field: "parameters", Message: strings.Join(problems, "; ")}
	}
	return nil
}

// ParameterChange describes one differing value between two sets.
type ParameterChange struct {
	Name   ParameterName `json:"name"`
	Before *float64      `json:"before,omitempty"`
	After  *float64      `json:"after,omitempty"`
}

// Diff lists the parameters whose values differ from base, in canonical order.
func (ps ParameterSet) Diff(base ParameterSet) []ParameterChange {
	before := base.Values()
	after := ps.Values()
	names := make(ParameterSet, 0, len(before)+len(after))
	for name := range before {
		names = append(names, Parameter{Name: name})
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			names = append(names, Parameter{Name: name})
		}
	}
	names.sort()
	var out []ParameterChange
	for _, n := range names {
		b, bok := before[n.Name]
		a, aok := after[n.Name]
		if bok && aok && a == b {
			continue
		}
		change := ParameterChange{Name: n.Name}
		if bok {
			change.Before = &b
		}
		if aok {
			change.After = &a
		}
		out = append(out, change)
	}
	return out
}
