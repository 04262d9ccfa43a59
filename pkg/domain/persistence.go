package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. All three tables are append or
// replace only; nothing is ever deleted.
type Transaction interface {
	Snapshot() TransactionView
	CurrentVersion(key ProfileKey) (ProfileVersion, bool)
	// AppendProfileVersion stores v as version expectedPrevious+1. It fails
	// with *ConflictError when the stored current version differs from
	// expectedPrevious.
	AppendProfileVersion(key ProfileKey, expectedPrevious int, v ProfileVersion) (ProfileVersion, error)
	// AppendFeedback fails with *UnknownProfileVersionError when the record
	// references a version that does not exist.
	AppendFeedback(record FeedbackRecord) (FeedbackRecord, error)
	SaveFilamentOverride(override FilamentOverride) (FilamentOverride, error)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	ListProfiles(deviceID string) []ProfileSummary
	ProfileHistory(key ProfileKey) []ProfileVersion
	// CurrentVersion reports false when only the seed exists.
	CurrentVersion(key ProfileKey) (ProfileVersion, bool)
	// FindProfileVersion resolves version 0 to the seed.
	FindProfileVersion(key ProfileKey, version int) (ProfileVersion, bool)
	ListFeedback(query FeedbackQuery) FeedbackPage
	FindFeedback(id string) (FeedbackRecord, bool)
	FindFilamentOverride(deviceID, filamentID string) (FilamentOverride, bool)
	ListFilamentOverrides(deviceID string) []FilamentOverride
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
