package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"slicetune/pkg/domain"
)

func TestNewProfileVersionCreatedCopiesFields(t *testing.T) {
	parent := 1
	v := domain.ProfileVersion{
		ProfileID:          "voron/PLA/standard",
		Key:                domain.NewProfileKey("voron", "pla", ""),
		Version:            2,
		DerivedFromVersion: &parent,
		Reason:             "increase_flow",
		FeedbackID:         "fb-1",
		Digest:             "abc",
		CreatedAt:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	ev := NewProfileVersionCreated(v)
	parent = 9
	if ev.Type != TypeProfileVersionCreated || ev.Version != 2 || *ev.DerivedFrom != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	raw, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["reason"] != "increase_flow" || decoded["profile_id"] != "voron/PLA/standard" {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

func TestRecorderKeepsOrder(t *testing.T) {
	var rec Recorder
	for i := 1; i <= 3; i++ {
		if err := rec.Publish(context.Background(), ProfileVersionCreated{Version: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := rec.Events()
	if len(got) != 3 || got[0].Version != 1 || got[2].Version != 3 {
		t.Fatalf("unexpected events: %+v", got)
	}
	if err := (Noop{}).Publish(context.Background(), got[0]); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestNewRedisPublisherRequiresAddress(t *testing.T) {
	if _, err := NewRedisPublisher(context.Background(), RedisOptions{}); err == nil {
		t.Fatalf("expected address error")
	}
}

func TestRedisPublisherSurfacesConnectionErrors(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	p := newRedisPublisher(rdb, "")
	t.Cleanup(func() { _ = p.Close() })
	if p.Channel() != DefaultChannel {
		t.Fatalf("expected default channel, got %s", p.Channel())
	}
	err := p.Publish(context.Background(), ProfileVersionCreated{Version: 1})
	if err == nil || !strings.Contains(err.Error(), "publish "+DefaultChannel) {
		t.Fatalf("expected publish error, got %v", err)
	}
	var nilPub *RedisPublisher
	if err := nilPub.Publish(context.Background(), ProfileVersionCreated{}); err == nil {
		t.Fatalf("expected error from nil publisher")
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
