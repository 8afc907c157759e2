package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetalerts/internal/config"
	"fleetalerts/internal/metrics"
	"fleetalerts/internal/model"
	"fleetalerts/internal/subscriptions"
)

// Sender delivers a serialized event to one connected subscriber.
type Sender interface {
	Send(subscriberID string, payload []byte) error
	Connected() []string
}

// ActiveSource lists every unresolved alert, with its current severity, for summaries.
type ActiveSource interface {
	SummaryAlerts(ctx context.Context) ([]model.Alert, error)
}

type Broadcaster struct {
	logger   *slog.Logger
	registry subscriptions.Registry
	sender   Sender
	source   ActiveSource
	mirror   Publisher
	metrics  *metrics.Metrics
	prefix   string
	interval time.Duration
	spacing  time.Duration
	now      func() time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	sumMu sync.Mutex
	last  *Summary
}

// New builds a broadcaster. mirror and m may be nil.
func New(cfg config.BroadcastConfig, registry subscriptions.Registry, sender Sender, source ActiveSource, mirror Publisher, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	interval := cfg.SummaryInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "fleet"
	}
	return &Broadcaster{
		logger:   logger,
		registry: registry,
		sender:   sender,
		source:   source,
		mirror:   mirror,
		metrics:  m,
		prefix:   prefix,
		interval: interval,
		spacing:  cfg.TelemetrySpacing,
		now:      func() time.Time { return time.Now().UTC() },
		limiters: make(map[string]*rate.Limiter),
	}
}

// NotifyStateChange sends the update to the vehicle's subscribers right away.
// Per-subscriber failures are logged and skipped.
func (b *Broadcaster) NotifyStateChange(ctx context.Context, update StateUpdate) error {
	if update.Type == "" {
		update.Type = TypeStateUpdate
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode state update: %w", err)
	}
	ids, err := b.subscribers(ctx, update.Alert.VehicleID)
	if err != nil {
		return err
	}
	b.deliver(TypeStateUpdate, ids, payload)
	b.publish(ctx, VehicleChannel(b.prefix, update.Alert.VehicleID), payload)
	return nil
}

// RelayTelemetry forwards a sample to the vehicle's subscribers at most once
// per spacing interval. Early samples are dropped and false is returned.
func (b *Broadcaster) RelayTelemetry(ctx context.Context, t model.Telemetry) bool {
	if t.VehicleID == "" {
		return false
	}
	now := b.now()
	if !b.limiter(t.VehicleID).AllowN(now, 1) {
		b.metrics.TelemetryThrottled()
		return false
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = now
	}
	payload, err := json.Marshal(TelemetryUpdate{
		Type:      TypeTelemetry,
		VehicleID: t.VehicleID,
		Data:      t.Snapshot(),
		Timestamp: ts.UTC(),
	})
	if err != nil {
		return false
	}
	ids, err := b.subscribers(ctx, t.VehicleID)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("telemetry relay lookup failed", "vehicle_id", t.VehicleID, "err", err)
		}
		return false
	}
	b.deliver(TypeTelemetry, ids, payload)
	b.publish(ctx, VehicleChannel(b.prefix, t.VehicleID), payload)
	return true
}

func (b *Broadcaster) limiter(vehicleID string) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	lim, ok := b.limiters[vehicleID]
	if !ok {
		every := rate.Inf
		if b.spacing > 0 {
			every = rate.Every(b.spacing)
		}
		lim = rate.NewLimiter(every, 1)
		b.limiters[vehicleID] = lim
	}
	return lim
}

// RunSummary emits the alert summary on every tick until ctx is done.
func (b *Broadcaster) RunSummary(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.summaryTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broadcaster) summaryTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("summary tick panicked", "panic", r)
		}
	}()
	if _, err := b.EmitSummary(ctx); err != nil && b.logger != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("summary computation failed", "err", err)
	}
}

// EmitSummary computes the current summary and sends it to every connected
// subscriber when it differs from the last emitted one.
func (b *Broadcaster) EmitSummary(ctx context.Context) (bool, error) {
	if b.source == nil {
		return false, nil
	}
	active, err := b.source.SummaryAlerts(ctx)
	if err != nil {
		return false, err
	}
	s := BuildSummary(active, b.now())

	b.sumMu.Lock()
	if b.last != nil && b.last.sameContent(s) {
		b.sumMu.Unlock()
		return false, nil
	}
	b.last = &s
	b.sumMu.Unlock()

	payload, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode summary: %w", err)
	}
	if b.sender != nil {
		b.deliver(TypeSummary, b.sender.Connected(), payload)
	}
	b.publish(ctx, SummaryChannel(b.prefix), payload)
	return true, nil
}

// LastSummary returns the most recently emitted summary.
func (b *Broadcaster) LastSummary() (Summary, bool) {
	b.sumMu.Lock()
	defer b.sumMu.Unlock()
	if b.last == nil {
		return Summary{}, false
	}
	return *b.last, true
}

// BuildSummary counts active alerts. A vehicle counts once, under the highest
// severity among its active alerts.
func BuildSummary(active []model.Alert, now time.Time) Summary {
	worst := make(map[string]model.Severity)
	byType := make(map[model.AlertType]int)
	for _, a := range active {
		byType[a.Type]++
		if a.Severity.Rank() > worst[a.VehicleID].Rank() {
			worst[a.VehicleID] = a.Severity
		}
	}
	s := Summary{
		Type:        TypeSummary,
		Active:      len(active),
		ByType:      make([]TypeCount, 0, len(byType)),
		GeneratedAt: now.UTC(),
	}
	for _, sev := range worst {
		switch sev {
		case model.SeverityCritical:
			s.CriticalVehicles++
		case model.SeverityWarning:
			s.WarningVehicles++
		}
	}
	for typ, n := range byType {
		s.ByType = append(s.ByType, TypeCount{AlertType: typ, Count: n})
	}
	sort.Slice(s.ByType, func(i, j int) bool {
		if s.ByType[i].Count != s.ByType[j].Count {
			return s.ByType[i].Count > s.ByType[j].Count
		}
		return s.ByType[i].AlertType < s.ByType[j].AlertType
	})
	return s
}

func (b *Broadcaster) subscribers(ctx context.Context, vehicleID string) ([]string, error) {
	if b.registry == nil {
		return nil, nil
	}
	ids, err := b.registry.GetSubscribers(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("subscriber lookup for %s: %w", vehicleID, err)
	}
	return ids, nil
}

func (b *Broadcaster) deliver(eventType string, ids []string, payload []byte) int {
	if b.sender == nil {
		return 0
	}
	sent := 0
	for _, id := range ids {
		if err := b.sender.Send(id, payload); err != nil {
			reason := "error"
			switch {
			case errors.Is(err, ErrSlowSubscriber):
				reason = "slow"
			case errors.Is(err, ErrSubscriberGone):
				reason = "gone"
			}
			b.metrics.DeliveryFailure(reason)
			if b.logger != nil {
				b.logger.Debug("delivery skipped", "subscriber_id", id, "event", eventType, "err", err)
			}
			continue
		}
		sent++
	}
	b.metrics.Broadcast(eventType, sent)
	return sent
}

func (b *Broadcaster) publish(ctx context.Context, channel string, payload []byte) {
	if b.mirror == nil {
		return
	}
	if err := b.mirror.Publish(ctx, channel, payload); err != nil && b.logger != nil {
		b.logger.Warn("mirror publish failed", "channel", channel, "err", err)
	}
}
