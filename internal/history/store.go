package history

import (
	"sync"
	"time"

	"scentd/internal/model"
)

// Store is a bounded in-memory buffer of recent records, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Record
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(rec model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, rec)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = rec
}

// List returns up to limit of the newest records; limit <= 0 means all.
func (s *Store) List(limit int) []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.buf, limit)
}

func (s *Store) Since(ts time.Time) []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Record, 0)
	for _, r := range s.buf {
		if !r.Timestamp.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) ForDevice(deviceID string, limit int) []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.Record, 0)
	for _, r := range s.buf {
		if r.DeviceID == deviceID {
			matched = append(matched, r)
		}
	}
	return tail(matched, limit)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}

func tail(buf []model.Record, limit int) []model.Record {
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]model.Record, 0, limit)
	for i := len(buf) - limit; i < len(buf); i++ {
		out = append(out, buf[i])
	}
	return out
}
