package core

import "slicetune/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in invariant set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewVersionSequenceRule())
	engine.Register(NewParameterBoundsRule())
	engine.Register(NewFeedbackReferenceRule())
	return engine
}

func appendedVersions(changes []domain.Change) []domain.ProfileVersion {
	var out []domain.ProfileVersion
	for _, c := range changes {
		if c.Entity != domain.EntityProfileVersion || c.Action != domain.ActionCreate {
			continue
		}
		if v, ok := c.After.(domain.ProfileVersion); ok {
			out = append(out, v)
		}
	}
	return out
}

func appendedFeedback(changes []domain.Change) []domain.FeedbackRecord {
	var out []domain.FeedbackRecord
	for _, c := range changes {
		if c.Entity != domain.EntityFeedback || c.Action != domain.ActionCreate {
			continue
		}
		if r, ok := c.After.(domain.FeedbackRecord); ok {
			out = append(out, r)
		}
	}
	return out
}
