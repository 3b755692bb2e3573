package latest

import (
	"testing"
	"time"

	"scentd/internal/model"
)

func TestUpdateReplacesPerDevice(t *testing.T) {
	s := NewStore(10)
	s.Update(model.Record{ID: "1", DeviceID: "esp32-a"})
	s.Update(model.Record{ID: "2", DeviceID: "esp32-a"})
	s.Update(model.Record{ID: "3", DeviceID: "esp32-b"})
	rec, _, ok := s.Get("esp32-a")
	if !ok || rec.ID != "2" {
		t.Fatalf("expected latest record, got %+v", rec)
	}
	if got := s.Devices(); len(got) != 2 || got[0] != "esp32-a" {
		t.Fatalf("devices: %v", got)
	}
}

func TestEvictsOldestDevice(t *testing.T) {
	s := NewStore(2)
	s.Update(model.Record{DeviceID: "a"})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.Record{DeviceID: "b"})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.Record{DeviceID: "c"})
	if _, _, ok := s.Get("a"); ok {
		t.Fatalf("oldest device not evicted")
	}
	if len(s.GetAll()) != 2 {
		t.Fatalf("expected 2 devices")
	}
}

func TestIgnoresEmptyDeviceAndClears(t *testing.T) {
	s := NewStore(0)
	s.Update(model.Record{})
	if len(s.GetAll()) != 0 {
		t.Fatalf("empty device stored")
	}
	s.Update(model.Record{DeviceID: "a"})
	s.Clear()
	if len(s.GetAll()) != 0 {
		t.Fatalf("clear failed")
	}
}
