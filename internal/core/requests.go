package core

import (
	"strings"
	"time"

	"slicetune/internal/artifact"
	"slicetune/internal/calibration"
	"slicetune/internal/mutation"
	"slicetune/pkg/domain"
)

// Resolved is the parameter set a slicer should use for a profile, after
// filament overrides.
type Resolved struct {
	Key             domain.ProfileKey      `json:"key"`
	Version         int                    `json:"version"`
	Seed            bool                   `json:"seed"`
	Parameters      domain.ParameterSet    `json:"parameters"`
	FilamentID      string                 `json:"filament_id,omitempty"`
	OverrideApplied bool                   `json:"override_applied"`
	Overridden      []domain.ParameterName `json:"overridden,omitempty"`
	Digest          string                 `json:"digest"`
}

// FeedbackSubmission is an outcome report from the print system.
type FeedbackSubmission struct {
	DeviceID       string             `json:"device_id"`
	Material       string             `json:"material"`
	ProfileName    string             `json:"profile_name,omitempty"`
	ProfileVersion int                `json:"profile_version"`
	Result         domain.Outcome     `json:"result"`
	FailureType    domain.FailureType `json:"failure_type,omitempty"`
	QualityRating  *int               `json:"quality_rating,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	SubmittedAt    time.Time          `json:"submitted_at,omitempty"`
}

func (s FeedbackSubmission) record() domain.FeedbackRecord {
	rec := domain.FeedbackRecord{
		DeviceID:       s.DeviceID,
		Material:       s.Material,
		ProfileName:    s.ProfileName,
		ProfileVersion: s.ProfileVersion,
		Result:         domain.Outcome(strings.ToLower(strings.TrimSpace(string(s.Result)))),
		FailureType:    domain.FailureType(strings.ToLower(strings.TrimSpace(string(s.FailureType)))),
		Notes:          s.Notes,
		SubmittedAt:    s.SubmittedAt,
	}
	if s.QualityRating != nil {
		q := *s.QualityRating
		rec.QualityRating = &q
	}
	key := rec.Key()
	rec.DeviceID, rec.Material, rec.ProfileName = key.DeviceID, key.Material, key.ProfileName
	return rec
}

// SubmitResult reports what a feedback submission did.
type SubmitResult struct {
	Accepted        bool                     `json:"accepted"`
	FeedbackID      string                   `json:"feedback_id"`
	MutationApplied bool                     `json:"mutation_applied"`
	NewVersion      *int                     `json:"new_version,omitempty"`
	Outcome         mutation.Outcome         `json:"outcome"`
	Rule            domain.MutationRuleID    `json:"rule,omitempty"`
	Changes         []domain.ParameterChange `json:"changes,omitempty"`
	Stale           bool                     `json:"stale"`
	Attempts        int                      `json:"attempts"`
}

// VersionSummary describes one history entry and how it differs from the
// version it was derived from.
type VersionSummary struct {
	Version            int                      `json:"version"`
	CreatedAt          time.Time                `json:"created_at"`
	DerivedFromVersion *int                     `json:"derived_from_version,omitempty"`
	Reason             domain.MutationRuleID    `json:"reason,omitempty"`
	FeedbackID         string                   `json:"feedback_id,omitempty"`
	Digest             string                   `json:"digest"`
	Changes            []domain.ParameterChange `json:"changes,omitempty"`
}

// SaveProfileRequest is an explicit parameter edit. Parameters may be
// partial; unspecified values are taken from the current version. When
// ExpectedVersion is set the save fails with a conflict if the profile has
// moved on.
type SaveProfileRequest struct {
	Key             domain.ProfileKey   `json:"key"`
	Parameters      domain.ParameterSet `json:"parameters"`
	ExpectedVersion *int                `json:"expected_version,omitempty"`
}

// CalibrationRequest asks for a calibration print. Limits, when nil, come
// from the device registry.
type CalibrationRequest struct {
	DeviceID string              `json:"device_id,omitempty"`
	Type     calibration.Type    `json:"calibration_type"`
	Material string              `json:"material"`
	Limits   *calibration.Limits `json:"limits,omitempty"`
	Sweep    calibration.Sweep   `json:"sweep"`
}

// CalibrationResult carries the generated instructions and, when a blob
// store is configured, where they were archived.
type CalibrationResult struct {
	Instructions calibration.GeneratedInstructions `json:"instructions"`
	Limits       calibration.Limits                `json:"limits"`
	Artifact     *artifact.Ref                     `json:"artifact,omitempty"`
}
