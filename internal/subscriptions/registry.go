package subscriptions

import (
	"context"
	"sort"
	"sync"
)

// Registry answers which subscribers follow a vehicle.
type Registry interface {
	GetSubscribers(ctx context.Context, vehicleID string) ([]string, error)
}

// Writer is implemented by registries the websocket hub can update.
type Writer interface {
	Subscribe(ctx context.Context, subscriberID string, vehicleIDs ...string) error
	Unsubscribe(ctx context.Context, subscriberID string, vehicleIDs ...string) error
	Remove(ctx context.Context, subscriberID string) error
}

type Memory struct {
	mu        sync.RWMutex
	byVehicle map[string]map[string]struct{}
	byClient  map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		byVehicle: make(map[string]map[string]struct{}),
		byClient:  make(map[string]map[string]struct{}),
	}
}

func (m *Memory) GetSubscribers(_ context.Context, vehicleID string) ([]string, error) {
	m.mu.RLock()
	set := m.byVehicle[vehicleID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Subscribe(_ context.Context, subscriberID string, vehicleIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vehicleIDs {
		if v == "" {
			continue
		}
		add(m.byVehicle, v, subscriberID)
		add(m.byClient, subscriberID, v)
	}
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, subscriberID string, vehicleIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vehicleIDs {
		remove(m.byVehicle, v, subscriberID)
		remove(m.byClient, subscriberID, v)
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, subscriberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v := range m.byClient[subscriberID] {
		remove(m.byVehicle, v, subscriberID)
	}
	delete(m.byClient, subscriberID)
	return nil
}

// Vehicles lists what a subscriber follows.
func (m *Memory) Vehicles(subscriberID string) []string {
	m.mu.RLock()
	set := m.byClient[subscriberID]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func add(idx map[string]map[string]struct{}, key, member string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[member] = struct{}{}
}

func remove(idx map[string]map[string]struct{}, key, member string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(idx, key)
	}
}
