package core

import (
	"context"
	"fmt"

	"slicetune/pkg/domain"
)

// NewParameterBoundsRule blocks appended versions whose parameters are unknown
// to the catalog or outside their declared range.
func NewParameterBoundsRule() domain.Rule {
	return parameterBoundsRule{}
}

type parameterBoundsRule struct{}

func (parameterBoundsRule) Name() string { return "parameter_bounds" }

func (r parameterBoundsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, v := range appendedVersions(changes) {
		if err := v.Parameters.Validate(); err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("profile %s v%d: %v", v.ProfileID, v.Version, err),
				Entity:   domain.EntityProfileVersion,
				EntityID: v.ProfileID,
			})
		}
	}
	return res, nil
}
