package memory

import (
	"sort"
	"strings"

	"slicetune/pkg/domain"
)

const (
	defaultFeedbackPageSize = 50
	maxFeedbackPageSize     = 500
)

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) domain.TransactionView {
	return transactionView{state: state}
}

// ListProfiles summarizes stored profiles, optionally limited to one device.
func (v transactionView) ListProfiles(deviceID string) []domain.ProfileSummary {
	deviceID = strings.TrimSpace(deviceID)
	out := make([]domain.ProfileSummary, 0, len(v.state.profiles))
	for id, versions := range v.state.profiles {
		current, ok := currentOf(versions)
		if !ok {
			continue
		}
		if deviceID != "" && current.Key.DeviceID != deviceID {
			continue
		}
		out = append(out, domain.ProfileSummary{
			Key:            current.Key,
			ProfileID:      id,
			CurrentVersion: current.Version,
			Versions:       len(versions),
			UpdatedAt:      current.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// ProfileHistory returns every persisted version of key, oldest first.
func (v transactionView) ProfileHistory(key domain.ProfileKey) []domain.ProfileVersion {
	versions := v.state.profiles[key.ID()]
	out := make([]domain.ProfileVersion, len(versions))
	for i, pv := range versions {
		out[i] = pv.Clone()
	}
	return out
}

// CurrentVersion returns the highest persisted version of key.
func (v transactionView) CurrentVersion(key domain.ProfileKey) (domain.ProfileVersion, bool) {
	return currentOf(v.state.profiles[key.ID()])
}

// FindProfileVersion returns one version of key; version 0 is the seed.
func (v transactionView) FindProfileVersion(key domain.ProfileKey, version int) (domain.ProfileVersion, bool) {
	if version == 0 {
		return domain.SeedVersion(key), true
	}
	versions := v.state.profiles[key.ID()]
	if version < 0 || version > len(versions) {
		return domain.ProfileVersion{}, false
	}
	// versions are dense: version n lives at index n-1
	return versions[version-1].Clone(), true
}

// ListFeedback returns a most-recent-first page of the ledger.
func (v transactionView) ListFeedback(query domain.FeedbackQuery) domain.FeedbackPage {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultFeedbackPageSize
	}
	if limit > maxFeedbackPageSize {
		limit = maxFeedbackPageSize
	}
	deviceID := strings.TrimSpace(query.DeviceID)
	material := strings.ToUpper(strings.TrimSpace(query.Material))

	matches := make([]domain.FeedbackRecord, 0)
	for _, r := range v.state.feedback {
		if deviceID != "" && r.DeviceID != deviceID {
			continue
		}
		if material != "" && r.Material != material {
			continue
		}
		if query.After != nil && !query.After.Admits(r) {
			continue
		}
		matches = append(matches, r)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.After(b.SubmittedAt)
		}
		return a.Sequence > b.Sequence
	})

	page := domain.FeedbackPage{}
	n := min(limit, len(matches))
	page.Records = make([]domain.FeedbackRecord, n)
	for i := 0; i < n; i++ {
		page.Records[i] = matches[i].Clone()
	}
	if len(matches) > n {
		last := page.Records[n-1]
		page.Next = &domain.FeedbackCursor{SubmittedAt: last.SubmittedAt, Sequence: last.Sequence}
	}
	return page
}

// FindFeedback looks up a ledger record by id.
func (v transactionView) FindFeedback(id string) (domain.FeedbackRecord, bool) {
	i, ok := v.state.feedbackByID[id]
	if !ok {
		return domain.FeedbackRecord{}, false
	}
	return v.state.feedback[i].Clone(), true
}

// FindFilamentOverride returns the override for a device and filament.
func (v transactionView) FindFilamentOverride(deviceID, filamentID string) (domain.FilamentOverride, bool) {
	o, ok := v.state.filaments[overrideKey(deviceID, filamentID)]
	if !ok {
		return domain.FilamentOverride{}, false
	}
	return o.Clone(), true
}

// ListFilamentOverrides returns a device's overrides ordered by filament id.
func (v transactionView) ListFilamentOverrides(deviceID string) []domain.FilamentOverride {
	deviceID = strings.TrimSpace(deviceID)
	out := make([]domain.FilamentOverride, 0)
	for _, o := range v.state.filaments {
		if deviceID != "" && o.DeviceID != deviceID {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].FilamentID < out[j].FilamentID
	})
	return out
}

func overrideKey(deviceID, filamentID string) string {
	return domain.FilamentOverride{DeviceID: deviceID, FilamentID: filamentID}.OverrideKey()
}
