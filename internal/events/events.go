// Package events publishes notifications about new profile versions so that
// slicing orchestrators can refresh cached parameter sets.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"slicetune/pkg/domain"
)

// TypeProfileVersionCreated is the event type emitted after a version commit.
const TypeProfileVersionCreated = "profile_version.created"

// ProfileVersionCreated describes a committed profile version.
type ProfileVersionCreated struct {
	Type        string                `json:"type"`
	ProfileID   string                `json:"profile_id"`
	Key         domain.ProfileKey     `json:"key"`
	Version     int                   `json:"version"`
	DerivedFrom *int                  `json:"derived_from_version,omitempty"`
	Reason      domain.MutationRuleID `json:"reason,omitempty"`
	FeedbackID  string                `json:"feedback_id,omitempty"`
	Digest      string                `json:"digest,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// NewProfileVersionCreated builds the event for v.
func NewProfileVersionCreated(v domain.ProfileVersion) ProfileVersionCreated {
	ev := ProfileVersionCreated{
		Type:       TypeProfileVersionCreated,
		ProfileID:  v.ProfileID,
		Key:        v.Key,
		Version:    v.Version,
		Reason:     v.Reason,
		FeedbackID: v.FeedbackID,
		Digest:     v.Digest,
		CreatedAt:  v.CreatedAt,
	}
	if v.DerivedFromVersion != nil {
		d := *v.DerivedFromVersion
		ev.DerivedFrom = &d
	}
	return ev
}

// Encode returns the wire form of the event.
func (e ProfileVersionCreated) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event ProfileVersionCreated) error
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, ProfileVersionCreated) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []ProfileVersionCreated
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event ProfileVersionCreated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []ProfileVersionCreated {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProfileVersionCreated, len(r.events))
	copy(out, r.events)
	return out
}
