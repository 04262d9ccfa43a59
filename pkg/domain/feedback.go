package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the categorical result of a print job.
type Outcome string

// Supported outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// FailureType classifies a failed print. Values outside the known set are
// accepted and stored; they simply never match a mutation rule.
type FailureType string

// Known failure types.
const (
	FailureUnderExtrusion FailureType = "under_extrusion"
	FailureOverExtrusion  FailureType = "over_extrusion"
	FailureStringing      FailureType = "stringing"
	FailureAdhesion       FailureType = "adhesion"
	FailureWarping        FailureType = "warping"
	FailureLayerShift     FailureType = "layer_shift"
	FailureBlobs          FailureType = "blobs"
	FailureOther          FailureType = "other"
)

// FeedbackRecord is an immutable outcome report bound to the profile version
// that produced the print.
type FeedbackRecord struct {
	ID               string         `json:"id"`
	Sequence         int64          `json:"sequence"`
	DeviceID         string         `json:"device_id"`
	Material         string         `json:"material"`
	ProfileName      string         `json:"profile_name"`
	ProfileVersion   int            `json:"profile_version"`
	Result           Outcome        `json:"result"`
	FailureType      FailureType    `json:"failure_type,omitempty"`
	QualityRating    *int           `json:"quality_rating,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	AppliedRule      MutationRuleID `json:"applied_rule,omitempty"`
	ResultingVersion *int           `json:"resulting_version,omitempty"`
	Stale            bool           `json:"stale,omitempty"`
}

// Key returns the normalized profile key the record refers to.
func (r FeedbackRecord) Key() ProfileKey {
	return NewProfileKey(r.DeviceID, r.Material, r.ProfileName)
}

// Clone returns a deep copy.
func (r FeedbackRecord) Clone() FeedbackRecord {
	out := r
	if r.QualityRating != nil {
		q := *r.QualityRating
		out.QualityRating = &q
	}
	if r.ResultingVersion != nil {
		v := *r.ResultingVersion
		out.ResultingVersion = &v
	}
	return out
}

// Validate checks the record's shape. Referential integrity is checked by the store.
func (r FeedbackRecord) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	switch Outcome(strings.ToLower(string(r.Result))) {
	case OutcomeSuccess, OutcomeFailure:
	default:
		return &ValidationError{Field: "result", Message: "must be success or failure"}
	}
	if r.ProfileVersion < 0 {
		return &ValidationError{Field: "profile_version", Message: "must not be negative"}
	}
	if r.QualityRating != nil && (*r.QualityRating < 1 || *r.QualityRating > 5) {
		return &ValidationError{Field: "quality_rating", Message: "must be between 1 and 5"}
	}
	return nil
}

// FeedbackCursor marks a position in the most-recent-first ledger order.
type FeedbackCursor struct {
	SubmittedAt time.Time `json:"submitted_at"`
	Sequence    int64     `json:"sequence"`
}

// FeedbackQuery filters and pages the ledger. Records strictly older than
// After are returned.
type FeedbackQuery struct {
	DeviceID string
	Material string
	After    *FeedbackCursor
	Limit    int
}

// FeedbackPage is one page of ledger records.
type FeedbackPage struct {
	Records []FeedbackRecord `json:"records"`
	Next    *FeedbackCursor  `json:"next,omitempty"`
}

// Admits reports whether r comes after the cursor in most-recent-first order.
func (c FeedbackCursor) Admits(r FeedbackRecord) bool {
	if r.SubmittedAt.Equal(c.SubmittedAt) {
		return r.Sequence < c.Sequence
	}
	return r.SubmittedAt.Before(c.SubmittedAt)
}

// StaleFeedbackWarning records that feedback referenced a superseded version.
type StaleFeedbackWarning struct {
	Key        ProfileKey `json:"key"`
	Referenced int        `json:"referenced_version"`
	Current    int        `json:"current_version"`
}

func (w StaleFeedbackWarning) String() string {
	return fmt.Sprintf("stale feedback for %s: referenced v%d, current v%d", w.Key.ID(), w.Referenced, w.Current)
}
