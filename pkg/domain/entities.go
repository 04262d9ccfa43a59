// Package domain holds slicetune's records, the parameter catalog, the error
// taxonomy and the interfaces the stores and rules are written against.
package domain

import "strings"

// EntityType names the record kind a Change touches. Each kind maps to one
// persistence bucket.
type EntityType string

const (
	EntityProfileVersion   EntityType = "profile_version"
	EntityFeedback         EntityType = "feedback"
	EntityFilamentOverride EntityType = "filament_override"
)

// Action is what a Change did to its entity. Versions and feedback are only
// ever created; filament overrides are created or replaced.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Change is one write captured by a transaction, handed to the rules engine
// before commit. Before is nil for creates.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Severity decides what a violation does to the commit: block aborts it, warn
// lets it through and gets logged.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Violation is a single rule finding.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity,omitempty"`
	EntityID string     `json:"entity_id,omitempty"`
}

func (v Violation) String() string {
	if v.Message == "" {
		return v.Rule
	}
	return v.Rule + ": " + v.Message
}

// Result collects the violations of every rule run for one transaction.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// Blocking returns the violations with SeverityBlock, in rule order.
func (r Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

func (r Result) HasBlocking() bool { return len(r.Blocking()) > 0 }

// RuleViolationError aborts a transaction with at least one blocking violation.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	blocking := e.Result.Blocking()
	if len(blocking) == 0 {
		return "transaction blocked by rules"
	}
	parts := make([]string, len(blocking))
	for i, v := range blocking {
		parts[i] = v.String()
	}
	return "transaction blocked by rules: " + strings.Join(parts, "; ")
}
