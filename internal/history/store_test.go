package history

import (
	"testing"
	"time"

	"scentd/internal/model"
)

func TestRingBufferKeepsNewest(t *testing.T) {
	s := NewStore(3)
	for _, id := range []string{"1", "2", "3", "4"} {
		s.Add(model.Record{ID: id, DeviceID: "dev"})
	}
	got := s.List(0)
	if len(got) != 3 || got[0].ID != "2" || got[2].ID != "4" {
		t.Fatalf("unexpected buffer %+v", got)
	}
	if last := s.List(1); len(last) != 1 || last[0].ID != "4" {
		t.Fatalf("List(1) = %+v", last)
	}
}

func TestSinceAndForDevice(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(model.Record{ID: "a", DeviceID: "x", Timestamp: base})
	s.Add(model.Record{ID: "b", DeviceID: "y", Timestamp: base.Add(time.Minute)})
	s.Add(model.Record{ID: "c", DeviceID: "x", Timestamp: base.Add(2 * time.Minute)})
	if got := s.Since(base.Add(time.Minute)); len(got) != 2 {
		t.Fatalf("since: %d", len(got))
	}
	got := s.ForDevice("x", 1)
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("for device: %+v", got)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("clear failed")
	}
}
