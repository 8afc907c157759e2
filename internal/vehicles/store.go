package vehicles

import (
	"sort"
	"sync"
	"time"

	"fleetalerts/internal/model"
)

// Store holds the latest telemetry sample per vehicle. When more than limit
// vehicles are tracked the least recently updated one is evicted.
type Store struct {
	mu        sync.RWMutex
	latest    map[string]model.Telemetry
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		latest:    make(map[string]model.Telemetry),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

// Update records the sample unless an equal or newer one is already held.
func (s *Store) Update(t model.Telemetry) {
	if t.VehicleID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[t.VehicleID]; ok && t.Timestamp.Before(prev.Timestamp) {
		return
	}
	s.latest[t.VehicleID] = t
	s.updatedAt[t.VehicleID] = time.Now().UTC()
	if len(s.latest) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(vehicleID string) (model.Telemetry, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.latest[vehicleID]
	if !ok {
		return model.Telemetry{}, time.Time{}, false
	}
	return t, s.updatedAt[vehicleID], true
}

// GetAll returns the latest samples sorted by vehicle id.
func (s *Store) GetAll() []model.Telemetry {
	s.mu.RLock()
	out := make([]model.Telemetry, 0, len(s.latest))
	for _, t := range s.latest {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

func (s *Store) evictOldest() {
	var oldestVehicle string
	var oldest time.Time
	for vehicle, ts := range s.updatedAt {
		if oldestVehicle == "" || ts.Before(oldest) {
			oldestVehicle = vehicle
			oldest = ts
		}
	}
	if oldestVehicle != "" {
		delete(s.latest, oldestVehicle)
		delete(s.updatedAt, oldestVehicle)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = make(map[string]model.Telemetry)
	s.updatedAt = make(map[string]time.Time)
}
