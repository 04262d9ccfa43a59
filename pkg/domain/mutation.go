package domain

// DeltaOp is the arithmetic applied by a ParameterDelta.
type DeltaOp string

// Supported delta operations.
const (
	DeltaAdd      DeltaOp = "add"
	DeltaMultiply DeltaOp = "multiply"
)

// ParameterDelta adjusts one parameter. Add adds Magnitude; Multiply scales by it.
type ParameterDelta struct {
	Parameter ParameterName `json:"parameter" yaml:"parameter"`
	Op        DeltaOp       `json:"op" yaml:"op"`
	Magnitude float64       `json:"magnitude" yaml:"magnitude"`
}

// Apply returns v adjusted by the delta, unclamped.
func (d ParameterDelta) Apply(v float64) float64 {
	switch d.Op {
	case DeltaMultiply:
		return v * d.Magnitude
	default:
		return v + d.Magnitude
	}
}

// MutationRule maps a failure type to the deltas that correct it.
type MutationRule struct {
	ID          MutationRuleID   `json:"id" yaml:"id"`
	FailureType FailureType      `json:"failure_type" yaml:"failure_type"`
	Deltas      []ParameterDelta `json:"deltas" yaml:"deltas"`
}

// Clone returns a deep copy.
func (r MutationRule) Clone() MutationRule {
	out := r
	out.Deltas = append([]ParameterDelta(nil), r.Deltas...)
	return out
}
