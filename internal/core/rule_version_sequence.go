package core

import (
	"context"
	"fmt"

	"slicetune/pkg/domain"
)

// NewVersionSequenceRule blocks commits that would leave a profile history
// with gaps, reused numbers, or a version derived from a later one.
func NewVersionSequenceRule() domain.Rule {
	return versionSequenceRule{}
}

type versionSequenceRule struct{}

func (versionSequenceRule) Name() string { return "version_sequence" }

func (r versionSequenceRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	checked := make(map[string]struct{})
	for _, appended := range appendedVersions(changes) {
		id := appended.Key.ID()
		if _, done := checked[id]; done {
			continue
		}
		checked[id] = struct{}{}
		for i, v := range view.ProfileHistory(appended.Key) {
			if msg := r.check(i+1, v); msg != "" {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("profile %s: %s", id, msg),
					Entity:   domain.EntityProfileVersion,
					EntityID: id,
				})
				break
			}
		}
	}
	return res, nil
}

func (versionSequenceRule) check(want int, v domain.ProfileVersion) string {
	if v.Version != want {
		return fmt.Sprintf("version %d found at position %d", v.Version, want)
	}
	if d := v.DerivedFromVersion; d != nil && (*d < 0 || *d >= v.Version) {
		return fmt.Sprintf("version %d derived from v%d", v.Version, *d)
	}
	return ""
}
