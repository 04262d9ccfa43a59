package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"slicetune/pkg/domain"
)

// Bucket names prefix every stored row key: "<bucket>/<id>".
const (
	BucketProfiles  = "profiles"
	BucketFeedback  = "feedback"
	BucketFilaments = "filaments"
)

// Buckets lists every bucket a snapshot is split into.
var Buckets = []string{BucketProfiles, BucketFeedback, BucketFilaments}

var bucketOf = map[domain.EntityType]string{
	domain.EntityProfileVersion:   BucketProfiles,
	domain.EntityFeedback:         BucketFeedback,
	domain.EntityFilamentOverride: BucketFilaments,
}

// Row is one stored record.
type Row struct {
	Key     string
	Payload []byte
	// Replace marks rows a later commit may overwrite. Profile versions and
	// feedback are written once; a second write of the same key is a
	// conflict with another writer.
	Replace bool
}

// RowKey names the row of one record: profile versions are keyed
// "<profile id>@<version>", feedback by its zero-padded sequence and
// overrides by their override key.
func RowKey(bucket, id string) string { return bucket + "/" + id }

func touchedBuckets(changes []domain.Change) []string {
	seen := make(map[string]bool, len(Buckets))
	for _, c := range changes {
		if b, ok := bucketOf[c.Entity]; ok {
			seen[b] = true
		}
	}
	out := make([]string, 0, len(seen))
	for _, b := range Buckets {
		if seen[b] {
			out = append(out, b)
		}
	}
	return out
}

// rowsOf encodes the records a transaction wrote, in write order. A record
// written twice in one transaction yields its last value.
func rowsOf(changes []domain.Change) ([]Row, error) {
	out := make([]Row, 0, len(changes))
	index := make(map[string]int, len(changes))
	for _, c := range changes {
		var (
			key     string
			replace bool
		)
		switch v := c.After.(type) {
		case domain.ProfileVersion:
			key = RowKey(BucketProfiles, fmt.Sprintf("%s@%d", v.ProfileID, v.Version))
		case domain.FeedbackRecord:
			key = RowKey(BucketFeedback, fmt.Sprintf("%020d", v.Sequence))
		case domain.FilamentOverride:
			key, replace = RowKey(BucketFilaments, v.OverrideKey()), true
		default:
			return nil, fmt.Errorf("no row encoding for %s change", c.Entity)
		}
		payload, err := json.Marshal(c.After)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		row := Row{Key: key, Payload: payload, Replace: replace}
		if i, ok := index[key]; ok {
			out[i] = row
			continue
		}
		index[key] = len(out)
		out = append(out, row)
	}
	return out, nil
}

// DecodeRow adds one stored record to the snapshot. Rows of unknown buckets
// are ignored so that older binaries can read state written by newer ones.
func (s *Snapshot) DecodeRow(key string, payload []byte) error {
	bucket, _, _ := strings.Cut(key, "/")
	switch bucket {
	case BucketProfiles:
		var v domain.ProfileVersion
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if s.Profiles == nil {
			s.Profiles = make(map[string][]domain.ProfileVersion)
		}
		id := v.Key.Normalize().ID()
		s.Profiles[id] = append(s.Profiles[id], v)
	case BucketFeedback:
		var r domain.FeedbackRecord
		if err := json.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		s.Feedback = append(s.Feedback, r)
	case BucketFilaments:
		var o domain.FilamentOverride
		if err := json.Unmarshal(payload, &o); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if s.Filaments == nil {
			s.Filaments = make(map[string]domain.FilamentOverride)
		}
		s.Filaments[o.OverrideKey()] = o
	}
	return nil
}
