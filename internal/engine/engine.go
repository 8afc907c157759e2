package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetalerts/internal/alerts"
	"fleetalerts/internal/broadcast"
	"fleetalerts/internal/config"
	"fleetalerts/internal/metrics"
	"fleetalerts/internal/model"
	"fleetalerts/internal/notify"
	"fleetalerts/internal/rules"
	"fleetalerts/internal/storage"
)

// ErrStoreUnavailable wraps every failed or timed out alert store call.
var ErrStoreUnavailable = errors.New("alert store unavailable")

// Notifier delivers state updates the notification machine approved.
type Notifier interface {
	NotifyStateChange(ctx context.Context, update broadcast.StateUpdate) error
}

type Engine struct {
	logger   *slog.Logger
	store    storage.Store
	machine  *notify.Machine
	notifier Notifier
	alerts   *alerts.Store
	metrics  *metrics.Metrics
	cfg      atomic.Value
	cache    *DedupCache
	probes   *resolveProbes
	now      func() time.Time
	started  time.Time

	hits        atomic.Uint64
	misses      atomic.Uint64
	created     atomic.Uint64
	resolved    atomic.Uint64
	storeErrors atomic.Uint64
}

// NewEngine wires the alert lifecycle. notifier, alertsStore and m may be nil.
func NewEngine(cfg config.EngineConfig, logger *slog.Logger, store storage.Store, machine *notify.Machine, notifier Notifier, alertsStore *alerts.Store, m *metrics.Metrics) *Engine {
	e := &Engine{
		logger:   logger,
		store:    store,
		machine:  machine,
		notifier: notifier,
		alerts:   alertsStore,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		started:  time.Now().UTC(),
	}
	// Cache expiry, probe backoff and the store lookback share one clock.
	clock := func() time.Time { return e.now() }
	e.cache = NewDedupCache(clock)
	e.probes = newResolveProbes(clock)
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg config.EngineConfig) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() config.EngineConfig {
	if v := e.cfg.Load(); v != nil {
		return v.(config.EngineConfig)
	}
	return config.DefaultConfig().Engine
}

func (e *Engine) Machine() *notify.Machine {
	return e.machine
}

// ProcessSample evaluates one sample, handles every candidate and resolves
// alert types the sample no longer violates. Errors of individual keys are
// joined; the remaining keys are still processed.
func (e *Engine) ProcessSample(ctx context.Context, t model.Telemetry) error {
	if t.VehicleID == "" {
		return errors.New("telemetry sample without vehicle_id")
	}
	e.metrics.SampleProcessed()

	candidates := rules.Evaluate(t)
	triggered := make(map[model.AlertType]bool, len(candidates))
	var errs []error
	for _, c := range candidates {
		triggered[c.Type] = true
		if err := e.handleCandidate(ctx, t.VehicleID, c); err != nil {
			errs = append(errs, err)
		}
	}

	for _, typ := range rules.Types() {
		if triggered[typ] || rules.StillViolated(t, typ) {
			continue
		}
		key := model.AlertKey{VehicleID: t.VehicleID, Type: typ}
		if !e.shouldProbe(key) {
			continue
		}
		if _, err := e.ResolveAlert(ctx, key); err != nil {
			// Only an attempt the store answered counts against the backoff.
			e.probes.Clear(key)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handleCandidate(ctx context.Context, vehicleID string, c model.Candidate) error {
	key := model.AlertKey{VehicleID: vehicleID, Type: c.Type}
	existing, err := e.GetExistingAlert(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		e.signal(ctx, model.Alert{
			ID:        existing.AlertID,
			VehicleID: vehicleID,
			Type:      c.Type,
			Severity:  c.Severity,
			Message:   c.Message,
			CreatedAt: existing.CreatedAt,
		})
		return nil
	}
	alert, created, err := e.CreateAlert(ctx, vehicleID, c)
	if err != nil {
		return err
	}
	if !created && alert.ID != "" {
		alert.Severity = c.Severity
		alert.Message = c.Message
		e.signal(ctx, alert)
	}
	return nil
}

// GetExistingAlert returns the active alert for key, or nil when neither the
// cache nor a recent unresolved store row knows one.
func (e *Engine) GetExistingAlert(ctx context.Context, key model.AlertKey) (*Entry, error) {
	if entry, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		return &entry, nil
	}
	e.misses.Add(1)
	cfg := e.config()
	found, err := e.findUnresolved(ctx, key, e.now().Add(-cfg.DedupTTL))
	if err != nil || found == nil {
		return nil, err
	}
	entry := Entry{AlertID: found.ID, CreatedAt: found.CreatedAt}
	e.cache.Set(key, entry, cfg.DedupTTL)
	return &entry, nil
}

// CreateAlert persists a new alert for the candidate. When the store already
// holds an unresolved alert for the key, that alert is returned with created
// false and the cache is re-synced to it.
func (e *Engine) CreateAlert(ctx context.Context, vehicleID string, c model.Candidate) (model.Alert, bool, error) {
	key := model.AlertKey{VehicleID: vehicleID, Type: c.Type}
	alert := model.Alert{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		Type:      c.Type,
		Severity:  c.Severity,
		Message:   c.Message,
		Data:      c.Data,
		CreatedAt: e.now(),
	}
	cfg := e.config()
	err := e.storeCall(ctx, "insert", func(ctx context.Context) error {
		return e.store.InsertAlert(ctx, alert)
	})
	if errors.Is(err, storage.ErrDuplicate) {
		existing, ferr := e.findUnresolved(ctx, key, time.Time{})
		if ferr != nil {
			return model.Alert{}, false, ferr
		}
		if existing == nil {
			// Resolved between the insert and the lookup.
			return model.Alert{}, false, nil
		}
		e.cache.Set(key, Entry{AlertID: existing.ID, CreatedAt: existing.CreatedAt}, cfg.DedupTTL)
		return *existing, false, nil
	}
	if err != nil {
		return model.Alert{}, false, err
	}

	e.cache.Set(key, Entry{AlertID: alert.ID, CreatedAt: alert.CreatedAt}, cfg.DedupTTL)
	e.probes.Clear(key)
	e.created.Add(1)
	if e.alerts != nil {
		e.alerts.Record(model.EventCreated, alert, alert.CreatedAt)
	}
	if e.logger != nil {
		e.logger.Warn("alert created",
			"alert_id", alert.ID,
			"vehicle_id", alert.VehicleID,
			"alert_type", alert.Type,
			"severity", alert.Severity,
		)
	}
	e.signal(ctx, alert)
	return alert, true, nil
}

// ResolveAlert closes the unresolved alert for key. The cache entry is
// dropped whatever the outcome.
func (e *Engine) ResolveAlert(ctx context.Context, key model.AlertKey) (bool, error) {
	at := e.now()
	var n int64
	err := e.storeCall(ctx, "resolve", func(ctx context.Context) error {
		var err error
		n, err = e.store.ResolveUnresolved(ctx, key, at)
		return err
	})
	e.cache.Delete(key)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	e.resolved.Add(1)
	if e.alerts != nil {
		e.alerts.Record(model.EventResolved, model.Alert{VehicleID: key.VehicleID, Type: key.Type, ResolvedAt: &at}, at)
	}
	if e.logger != nil {
		e.logger.Info("alert resolved", "vehicle_id", key.VehicleID, "alert_type", key.Type)
	}
	return true, nil
}

// ActiveAlerts lists unresolved alerts straight from the store.
func (e *Engine) ActiveAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	var out []model.Alert
	err := e.storeCall(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListUnresolved(ctx, limit)
		return err
	})
	return out, err
}

// SummaryAlerts lists every unresolved alert for the fleet summary. The stored
// severity is the one the alert was created with; when the notification state
// for the key was updated since, its current severity is reported instead.
func (e *Engine) SummaryAlerts(ctx context.Context) ([]model.Alert, error) {
	var out []model.Alert
	err := e.storeCall(ctx, "list_keys", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListUnresolvedKeys(ctx)
		return err
	})
	if err != nil || e.machine == nil {
		return out, err
	}
	for i := range out {
		st, ok := e.machine.State(out[i].Key())
		if ok && !st.LastUpdated.Before(out[i].CreatedAt) && st.Severity != "" {
			out[i].Severity = st.Severity
		}
	}
	return out, nil
}

func (e *Engine) Acknowledge(ctx context.Context, alertID string) (bool, error) {
	var n int64
	err := e.storeCall(ctx, "acknowledge", func(ctx context.Context) error {
		var err error
		n, err = e.store.Acknowledge(ctx, alertID, e.now())
		return err
	})
	return n > 0, err
}

// Reset drops cached and notification state. Persisted alerts are untouched.
func (e *Engine) Reset() {
	e.cache.Flush()
	e.probes.Flush()
	if e.machine != nil {
		e.machine.Reset()
	}
	if e.alerts != nil {
		e.alerts.Clear()
	}
}

func (e *Engine) shouldProbe(key model.AlertKey) bool {
	if _, ok := e.cache.Get(key); ok {
		return true
	}
	return e.probes.Allow(key, e.config().ResolveBackoff)
}

func (e *Engine) signal(ctx context.Context, alert model.Alert) {
	if e.machine == nil {
		return
	}
	d := e.machine.Process(notify.Event{Key: alert.Key(), Severity: alert.Severity, At: e.now()})
	e.metrics.Transition(string(d.Transition), d.Notify)
	if !d.Notify || e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyStateChange(ctx, broadcast.NewStateUpdate(alert, d)); err != nil && e.logger != nil {
		e.logger.Warn("state update delivery failed",
			"vehicle_id", alert.VehicleID,
			"alert_type", alert.Type,
			"err", err,
		)
	}
}

func (e *Engine) findUnresolved(ctx context.Context, key model.AlertKey, since time.Time) (*model.Alert, error) {
	var found *model.Alert
	err := e.storeCall(ctx, "find", func(ctx context.Context) error {
		var err error
		found, err = e.store.FindUnresolved(ctx, key, since)
		return err
	})
	return found, err
}

func (e *Engine) storeCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if e.store == nil {
		return fmt.Errorf("%w: %s: no store configured", ErrStoreUnavailable, op)
	}
	timeout := e.config().StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(ctx)
	if err == nil || errors.Is(err, storage.ErrDuplicate) {
		return err
	}
	e.storeErrors.Add(1)
	e.metrics.StoreError(op)
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
