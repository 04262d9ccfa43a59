package memory

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"slicetune/internal/codec"
	"slicetune/pkg/domain"
)

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time

	ownProfiles  bool
	ownFilaments bool
	addedIDs     []string
}

func (tx *transaction) writableProfiles() map[string][]domain.ProfileVersion {
	if !tx.ownProfiles {
		tx.state.profiles = maps.Clone(tx.state.profiles)
		if tx.state.profiles == nil {
			tx.state.profiles = make(map[string][]domain.ProfileVersion)
		}
		tx.ownProfiles = true
	}
	return tx.state.profiles
}

func (tx *transaction) writableFilaments() map[string]domain.FilamentOverride {
	if !tx.ownFilaments {
		tx.state.filaments = maps.Clone(tx.state.filaments)
		if tx.state.filaments == nil {
			tx.state.filaments = make(map[string]domain.FilamentOverride)
		}
		tx.ownFilaments = true
	}
	return tx.state.filaments
}

// discard undoes the one in-place write a transaction makes to the shared
// state: the feedback id index.
func (tx *transaction) discard() {
	for _, id := range tx.addedIDs {
		delete(tx.state.feedbackByID, id)
	}
	tx.addedIDs = nil
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() domain.TransactionView {
	return newTransactionView(&tx.state)
}

// CurrentVersion returns the highest version of key within the transaction.
func (tx *transaction) CurrentVersion(key domain.ProfileKey) (domain.ProfileVersion, bool) {
	return currentOf(tx.state.profiles[key.ID()])
}

// AppendProfileVersion stores v as version expectedPrevious+1.
func (tx *transaction) AppendProfileVersion(key domain.ProfileKey, expectedPrevious int, v domain.ProfileVersion) (domain.ProfileVersion, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return domain.ProfileVersion{}, err
	}
	versions := tx.state.profiles[key.ID()]
	if actual := len(versions); actual != expectedPrevious {
		return domain.ProfileVersion{}, &domain.ConflictError{Key: key, Expected: expectedPrevious, Actual: actual}
	}
	v = v.Clone()
	v.Key = key
	v.ProfileID = key.ID()
	v.Version = expectedPrevious + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = tx.now
	}
	v.Parameters = v.Parameters.Normalize()
	if err := v.Parameters.Validate(); err != nil {
		return domain.ProfileVersion{}, err
	}
	digest, err := codec.Digest(v.Parameters)
	if err != nil {
		return domain.ProfileVersion{}, fmt.Errorf("digest parameters: %w", err)
	}
	v.Digest = digest
	tx.writableProfiles()[key.ID()] = append(versions, v)
	tx.recordChange(domain.Change{Entity: domain.EntityProfileVersion, Action: domain.ActionCreate, After: v.Clone()})
	return v.Clone(), nil
}

// AppendFeedback appends record to the ledger after checking that the
// referenced version exists.
func (tx *transaction) AppendFeedback(record domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	if err := record.Validate(); err != nil {
		return domain.FeedbackRecord{}, err
	}
	record = record.Clone()
	key := record.Key()
	record.DeviceID, record.Material, record.ProfileName = key.DeviceID, key.Material, key.ProfileName
	record.Result = domain.Outcome(strings.ToLower(string(record.Result)))
	record.FailureType = domain.FailureType(strings.ToLower(strings.TrimSpace(string(record.FailureType))))

	versions := tx.state.profiles[key.ID()]
	if record.ProfileVersion > len(versions) {
		return domain.FeedbackRecord{}, &domain.UnknownProfileVersionError{Key: key, Version: record.ProfileVersion, Current: len(versions)}
	}
	if record.ID == "" {
		record.ID = tx.store.newID()
	}
	if _, exists := tx.state.feedbackByID[record.ID]; exists {
		return domain.FeedbackRecord{}, fmt.Errorf("feedback %q already exists", record.ID)
	}
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = tx.now
	}
	tx.state.sequence++
	record.Sequence = tx.state.sequence
	tx.state.feedbackByID[record.ID] = len(tx.state.feedback)
	tx.addedIDs = append(tx.addedIDs, record.ID)
	tx.state.feedback = append(tx.state.feedback, record)
	tx.recordChange(domain.Change{Entity: domain.EntityFeedback, Action: domain.ActionCreate, After: record.Clone()})
	return record.Clone(), nil
}

// SaveFilamentOverride creates or wholesale replaces an override.
func (tx *transaction) SaveFilamentOverride(o domain.FilamentOverride) (domain.FilamentOverride, error) {
	o = o.Clone()
	o.DeviceID = strings.TrimSpace(o.DeviceID)
	o.FilamentID = strings.TrimSpace(o.FilamentID)
	o.Material = strings.ToUpper(strings.TrimSpace(o.Material))
	if err := o.Validate(); err != nil {
		return domain.FilamentOverride{}, err
	}
	o.UpdatedAt = tx.now
	key := o.OverrideKey()
	change := domain.Change{Entity: domain.EntityFilamentOverride, Action: domain.ActionCreate, After: o.Clone()}
	if before, exists := tx.state.filaments[key]; exists {
		change.Action = domain.ActionUpdate
		change.Before = before.Clone()
	}
	tx.writableFilaments()[key] = o
	tx.recordChange(change)
	return o.Clone(), nil
}
