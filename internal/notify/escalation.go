package notify

import (
	"sort"
	"sync"

	"fleetalerts/internal/model"
)

// EscalationSet holds vehicles that reached CRITICAL at least once. Members
// stay until cleared explicitly; nothing expires them.
type EscalationSet struct {
	mu       sync.RWMutex
	vehicles map[string]struct{}
}

func NewEscalationSet() *EscalationSet {
	return &EscalationSet{vehicles: make(map[string]struct{})}
}

// IsNewlyCriticalVehicle marks the vehicle when severity is CRITICAL and it was
// not yet a member, and reports whether that just happened.
func (e *EscalationSet) IsNewlyCriticalVehicle(vehicleID string, severity model.Severity) bool {
	if severity != model.SeverityCritical || vehicleID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vehicles[vehicleID]; ok {
		return false
	}
	e.vehicles[vehicleID] = struct{}{}
	return true
}

func (e *EscalationSet) Contains(vehicleID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.vehicles[vehicleID]
	return ok
}

func (e *EscalationSet) List() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.vehicles))
	for v := range e.vehicles {
		out = append(out, v)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *EscalationSet) Clear(vehicleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vehicles[vehicleID]; !ok {
		return false
	}
	delete(e.vehicles, vehicleID)
	return true
}

// ClearAll empties the set and returns how many vehicles it held.
func (e *EscalationSet) ClearAll() int {
	e.mu.Lock()
	n := len(e.vehicles)
	e.vehicles = make(map[string]struct{})
	e.mu.Unlock()
	return n
}
