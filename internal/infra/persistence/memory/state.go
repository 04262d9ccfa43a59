package memory

import (
	"slices"
	"sort"

	"slicetune/pkg/domain"
)

// memoryState holds the three tables. A transaction starts from a shallow
// copy of the live state: version and feedback slices are only ever appended
// to past the live length, profiles and filaments are copied on first write,
// and ids a failed transaction added to feedbackByID are removed again.
type memoryState struct {
	profiles     map[string][]domain.ProfileVersion
	feedback     []domain.FeedbackRecord
	feedbackByID map[string]int
	sequence     int64
	filaments    map[string]domain.FilamentOverride
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Profiles  map[string][]domain.ProfileVersion `json:"profiles"`
	Feedback  []domain.FeedbackRecord            `json:"feedback"`
	Filaments map[string]domain.FilamentOverride `json:"filaments"`
}

func newMemoryState() memoryState {
	return memoryState{
		profiles:     make(map[string][]domain.ProfileVersion),
		feedbackByID: make(map[string]int),
		filaments:    make(map[string]domain.FilamentOverride),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Profiles:  make(map[string][]domain.ProfileVersion, len(state.profiles)),
		Feedback:  make([]domain.FeedbackRecord, 0, len(state.feedback)),
		Filaments: make(map[string]domain.FilamentOverride, len(state.filaments)),
	}
	for k, versions := range state.profiles {
		cp := make([]domain.ProfileVersion, len(versions))
		for i, v := range versions {
			cp[i] = v.Clone()
		}
		s.Profiles[k] = cp
	}
	for _, r := range state.feedback {
		s.Feedback = append(s.Feedback, r.Clone())
	}
	for k, o := range state.filaments {
		s.Filaments[k] = o.Clone()
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, versions := range s.Profiles {
		cp := make([]domain.ProfileVersion, len(versions))
		for i, v := range versions {
			cp[i] = v.Clone()
		}
		state.profiles[k] = cp
	}
	for i, r := range s.Feedback {
		state.feedback = append(state.feedback, r.Clone())
		state.feedbackByID[r.ID] = i
		if r.Sequence > state.sequence {
			state.sequence = r.Sequence
		}
	}
	for k, o := range s.Filaments {
		state.filaments[k] = o.Clone()
	}
	return state
}

// migrateSnapshot repairs snapshots written by older builds or edited by
// hand: keys are re-derived from the stored records, histories are truncated
// at the first gap, and feedback is ordered by sequence.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	out := Snapshot{
		Profiles:  make(map[string][]domain.ProfileVersion, len(snapshot.Profiles)),
		Filaments: make(map[string]domain.FilamentOverride, len(snapshot.Filaments)),
	}
	for _, versions := range snapshot.Profiles {
		if len(versions) == 0 {
			continue
		}
		sorted := slices.Clone(versions)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
		key := sorted[0].Key.Normalize()
		var kept []domain.ProfileVersion
		for _, v := range sorted {
			if v.Version != len(kept)+1 {
				break
			}
			v.Key = key
			v.ProfileID = key.ID()
			kept = append(kept, v)
		}
		if _, exists := out.Profiles[key.ID()]; !exists && len(kept) > 0 {
			out.Profiles[key.ID()] = kept
		}
	}

	seen := make(map[string]struct{}, len(snapshot.Feedback))
	feedback := slices.Clone(snapshot.Feedback)
	sort.SliceStable(feedback, func(i, j int) bool { return feedback[i].Sequence < feedback[j].Sequence })
	var next int64
	for _, r := range feedback {
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		if r.Sequence <= next {
			r.Sequence = next + 1
		}
		next = r.Sequence
		out.Feedback = append(out.Feedback, r)
	}

	for _, o := range snapshot.Filaments {
		if o.DeviceID == "" || o.FilamentID == "" {
			continue
		}
		o.Material = domain.NewProfileKey(o.DeviceID, o.Material, "").Material
		out.Filaments[o.OverrideKey()] = o
	}
	return out
}

func currentOf(versions []domain.ProfileVersion) (domain.ProfileVersion, bool) {
	if len(versions) == 0 {
		return domain.ProfileVersion{}, false
	}
	return versions[len(versions)-1].Clone(), true
}
