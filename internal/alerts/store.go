package alerts

import (
	"sync"
	"time"

	"fleetalerts/internal/model"
)

// Store keeps the most recent alert lifecycle events, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.AlertEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

func (s *Store) Record(kind string, alert model.Alert, at time.Time) {
	s.Add(model.AlertEvent{Kind: kind, Alert: alert, Timestamp: at.UTC()})
}

func (s *Store) List(limit int) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlertEvent, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

// ForVehicle returns the retained events of one vehicle, oldest first.
func (s *Store) ForVehicle(vehicleID string) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertEvent, 0)
	for _, ev := range s.buf {
		if ev.Alert.VehicleID == vehicleID {
			out = append(out, ev)
		}
	}
	return out
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
