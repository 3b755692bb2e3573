package latest

import (
	"sort"
	"sync"
	"time"

	"scentd/internal/model"
)

// Store keeps the most recent record per device for the display endpoints.
type Store struct {
	mu        sync.RWMutex
	byDevice  map[string]model.Record
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{
		byDevice:  make(map[string]model.Record),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(rec model.Record) {
	if rec.DeviceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDevice[rec.DeviceID] = rec
	s.updatedAt[rec.DeviceID] = time.Now().UTC()
	if len(s.byDevice) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(deviceID string) (model.Record, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byDevice[deviceID]
	if !ok {
		return model.Record{}, time.Time{}, false
	}
	return rec, s.updatedAt[deviceID], true
}

// GetAll returns every device's latest record keyed by device ID.
func (s *Store) GetAll() map[string]model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Record, len(s.byDevice))
	for id, rec := range s.byDevice {
		out[id] = rec
	}
	return out
}

// Devices lists known device IDs sorted.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byDevice))
	for id := range s.byDevice {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) evictOldest() {
	var oldestDevice string
	var oldest time.Time
	for device, ts := range s.updatedAt {
		if oldestDevice == "" || ts.Before(oldest) {
			oldestDevice = device
			oldest = ts
		}
	}
	if oldestDevice != "" {
		delete(s.byDevice, oldestDevice)
		delete(s.updatedAt, oldestDevice)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDevice = make(map[string]model.Record)
	s.updatedAt = make(map[string]time.Time)
}
