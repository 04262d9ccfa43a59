package core

import (
	"context"
	"fmt"

	"slicetune/pkg/domain"
)

// NewFeedbackReferenceRule blocks feedback that references a version the
// profile never had, or that claims a resulting version not produced by it.
func NewFeedbackReferenceRule() domain.Rule {
	return feedbackReferenceRule{}
}

type feedbackReferenceRule struct{}

func (feedbackReferenceRule) Name() string { return "feedback_reference" }

func (r feedbackReferenceRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(rec domain.FeedbackRecord, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("feedback %s: %s", rec.ID, msg),
			Entity:   domain.EntityFeedback,
			EntityID: rec.ID,
		})
	}
	for _, rec := range appendedFeedback(changes) {
		key := rec.Key()
		if _, ok := view.FindProfileVersion(key, rec.ProfileVersion); !ok {
			block(rec, fmt.Sprintf("references unknown version %d of %s", rec.ProfileVersion, key.ID()))
			continue
		}
		if rec.ResultingVersion == nil {
			continue
		}
		produced, ok := view.FindProfileVersion(key, *rec.ResultingVersion)
		if !ok || produced.FeedbackID != rec.ID {
			block(rec, fmt.Sprintf("resulting version %d was not derived from it", *rec.ResultingVersion))
		}
	}
	return res, nil
}
