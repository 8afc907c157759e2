package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetalerts/internal/config"
	"fleetalerts/internal/model"
)

type Transition string

const (
	TransitionNew          Transition = "new_alert"
	TransitionEscalation   Transition = "severity_escalation"
	TransitionDeescalation Transition = "severity_deescalation"
	TransitionPersistent   Transition = "persistent_issue"
	TransitionRepeated     Transition = "repeated_alert"
)

// Event is one occurrence of an alert condition, new or repeated.
type Event struct {
	Key      model.AlertKey
	Severity model.Severity
	At       time.Time
}

type State struct {
	Severity             model.Severity `json:"severity"`
	FirstSeen            time.Time      `json:"first_seen"`
	LastUpdated          time.Time      `json:"last_updated"`
	Count                int            `json:"count"`
	LastNotifiedSeverity model.Severity `json:"last_notified_severity,omitempty"`
	LastNotifiedAt       time.Time      `json:"last_notified_at,omitempty"`
}

// Decision is the outcome of processing one event.
type Decision struct {
	Transition    Transition
	Notify        bool
	State         State
	Impact        VisualImpact
	NewlyCritical bool
}

type Settings struct {
	Cooldown        time.Duration
	QuietPeriod     time.Duration
	PersistentEvery int
	StateExpiry     time.Duration
	SweepInterval   time.Duration
}

func SettingsFrom(cfg config.NotifyConfig) Settings {
	return Settings{
		Cooldown:        cfg.Cooldown,
		QuietPeriod:     cfg.QuietPeriod,
		PersistentEvery: cfg.PersistentEvery,
		StateExpiry:     cfg.StateExpiry,
		SweepInterval:   cfg.SweepInterval,
	}
}

// Machine tracks per (vehicle, alert type) notification state and decides
// which alert events deserve a visual notification.
type Machine struct {
	mu       sync.Mutex
	states   map[model.AlertKey]*State
	settings Settings
	cooldown *Cooldown
	escal    *EscalationSet
	logger   *slog.Logger
	now      func() time.Time
}

func NewMachine(settings Settings, logger *slog.Logger) *Machine {
	if settings.PersistentEvery <= 0 {
		settings.PersistentEvery = 10
	}
	return &Machine{
		states:   make(map[model.AlertKey]*State),
		settings: settings,
		cooldown: NewCooldown(),
		escal:    NewEscalationSet(),
		logger:   logger,
		now:      time.Now,
	}
}

func (m *Machine) UpdateSettings(settings Settings) {
	if settings.PersistentEvery <= 0 {
		settings.PersistentEvery = 10
	}
	m.mu.Lock()
	m.settings = settings
	m.mu.Unlock()
}

func (m *Machine) Escalations() *EscalationSet {
	return m.escal
}

func (m *Machine) EscalatedVehicles() []string {
	return m.escal.List()
}

func (m *Machine) ClearEscalation(vehicleID string) bool {
	return m.escal.Clear(vehicleID)
}

// Process classifies the event against the key's previous state, updates the
// state and applies the notification gate.
func (m *Machine) Process(ev Event) Decision {
	at := ev.At
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[ev.Key]
	var tr Transition
	if !ok {
		st = &State{Severity: ev.Severity, FirstSeen: at, LastUpdated: at, Count: 1}
		m.states[ev.Key] = st
		tr = TransitionNew
	} else {
		prev := st.Severity
		st.Count++
		st.LastUpdated = at
		st.Severity = ev.Severity
		switch {
		case ev.Severity.Rank() > prev.Rank():
			tr = TransitionEscalation
		case ev.Severity.Rank() < prev.Rank():
			tr = TransitionDeescalation
		case st.Count >= m.settings.PersistentEvery && st.Count%m.settings.PersistentEvery == 0:
			tr = TransitionPersistent
		default:
			tr = TransitionRepeated
		}
	}

	notify := m.shouldNotify(ev.Key, tr, at)
	if notify {
		st.LastNotifiedSeverity = ev.Severity
		st.LastNotifiedAt = at
		m.cooldown.Mark(ev.Key, at)
	}
	newlyCritical := m.escal.IsNewlyCriticalVehicle(ev.Key.VehicleID, ev.Severity)
	if newlyCritical && m.logger != nil {
		m.logger.Warn("vehicle escalated to critical", "vehicle_id", ev.Key.VehicleID, "alert_type", ev.Key.Type)
	}

	return Decision{
		Transition:    tr,
		Notify:        notify,
		State:         *st,
		Impact:        ComputeImpact(*st, tr, at),
		NewlyCritical: newlyCritical,
	}
}

// ShouldNotify applies the notification gate without touching state.
func (m *Machine) ShouldNotify(key model.AlertKey, tr Transition, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldNotify(key, tr, now)
}

func (m *Machine) shouldNotify(key model.AlertKey, tr Transition, now time.Time) bool {
	if m.cooldown.Within(key, now, m.settings.Cooldown) {
		return false
	}
	switch tr {
	case TransitionNew, TransitionEscalation, TransitionPersistent:
		return true
	case TransitionRepeated:
		last, ok := m.cooldown.Last(key)
		return !ok || now.Sub(last) > m.settings.QuietPeriod
	}
	// De-escalations surface through resolution events, not here.
	return false
}

func (m *Machine) State(key model.AlertKey) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// Sweep drops states not updated within the expiry window and returns how
// many were removed. It is memory hygiene only; alert resolution does not
// touch notification state.
func (m *Machine) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, st := range m.states {
		if now.Sub(st.LastUpdated) > m.settings.StateExpiry {
			delete(m.states, key)
			m.cooldown.Forget(key)
			removed++
		}
	}
	return removed
}

func (m *Machine) Reset() {
	m.mu.Lock()
	m.states = make(map[model.AlertKey]*State)
	m.cooldown = NewCooldown()
	m.mu.Unlock()
}

func (m *Machine) Run(ctx context.Context) {
	m.mu.Lock()
	interval := m.settings.SweepInterval
	m.mu.Unlock()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepSafely()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Machine) sweepSafely() {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("notification state sweep panicked", "panic", r)
		}
	}()
	if removed := m.Sweep(m.now()); removed > 0 && m.logger != nil {
		m.logger.Info("notification states expired", "removed", removed)
	}
}
