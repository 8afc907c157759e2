package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Stats struct {
	CacheSize          int     `json:"cache_size"`
	CacheHits          uint64  `json:"cache_hits"`
	CacheMisses        uint64  `json:"cache_misses"`
	HitRate            float64 `json:"hit_rate"`
	AlertsCreated      uint64  `json:"alerts_created"`
	AlertsResolved     uint64  `json:"alerts_resolved"`
	StoreErrors        uint64  `json:"store_errors"`
	NotificationStates int     `json:"notification_states"`
	EscalatedVehicles  int     `json:"escalated_vehicles"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

func (e *Engine) Stats() Stats {
	hits := e.hits.Load()
	misses := e.misses.Load()
	st := Stats{
		CacheSize:      e.cache.Len(),
		CacheHits:      hits,
		CacheMisses:    misses,
		AlertsCreated:  e.created.Load(),
		AlertsResolved: e.resolved.Load(),
		StoreErrors:    e.storeErrors.Load(),
		UptimeSeconds:  time.Since(e.started).Seconds(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	if e.machine != nil {
		st.NotificationStates = e.machine.Len()
		st.EscalatedVehicles = len(e.machine.EscalatedVehicles())
	}
	return st
}

// SweepCache drops expired cache entries and probe marks.
func (e *Engine) SweepCache() int {
	e.probes.Sweep()
	return e.cache.Sweep()
}

// RunMaintenance sweeps the cache and logs statistics until ctx is done.
func (e *Engine) RunMaintenance(ctx context.Context) {
	cfg := e.config()
	sweep := time.NewTicker(positive(cfg.CacheSweepInterval, time.Minute))
	defer sweep.Stop()
	stats := time.NewTicker(positive(cfg.StatsInterval, 5*time.Minute))
	defer stats.Stop()
	for {
		select {
		case <-sweep.C:
			e.safeCall("cache sweep", func() {
				if removed := e.SweepCache(); removed > 0 && e.logger != nil {
					e.logger.Info("dedup cache swept", "removed", removed)
				}
			})
		case <-stats.C:
			e.safeCall("stats", func() {
				if e.logger == nil {
					return
				}
				st := e.Stats()
				e.logger.Info("alert engine stats",
					"cache_size", st.CacheSize,
					"hit_rate", st.HitRate,
					"alerts_created", st.AlertsCreated,
					"alerts_resolved", st.AlertsResolved,
					"store_errors", st.StoreErrors,
				)
			})
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) safeCall(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Error("maintenance task panicked", "task", task, "panic", r)
		}
	}()
	fn()
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

var (
	cacheSizeDesc   = prometheus.NewDesc("fleetalerts_dedup_cache_entries", "Live dedup cache entries.", nil, nil)
	cacheLookupDesc = prometheus.NewDesc("fleetalerts_dedup_cache_lookups_total", "Dedup cache lookups by result.", []string{"result"}, nil)
	alertsDesc      = prometheus.NewDesc("fleetalerts_alerts_total", "Alert lifecycle transitions persisted.", []string{"event"}, nil)
	statesDesc      = prometheus.NewDesc("fleetalerts_notification_states", "Tracked notification states.", nil, nil)
	escalatedDesc   = prometheus.NewDesc("fleetalerts_escalated_vehicles", "Vehicles in the escalation set.", nil, nil)
)

// Collector exposes Stats to Prometheus at scrape time.
func (e *Engine) Collector() prometheus.Collector {
	return statsCollector{e: e}
}

type statsCollector struct {
	e *Engine
}

func (c statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheSizeDesc
	ch <- cacheLookupDesc
	ch <- alertsDesc
	ch <- statesDesc
	ch <- escalatedDesc
}

func (c statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.e.Stats()
	ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(st.CacheSize))
	ch <- prometheus.MustNewConstMetric(cacheLookupDesc, prometheus.CounterValue, float64(st.CacheHits), "hit")
	ch <- prometheus.MustNewConstMetric(cacheLookupDesc, prometheus.CounterValue, float64(st.CacheMisses), "miss")
	ch <- prometheus.MustNewConstMetric(alertsDesc, prometheus.CounterValue, float64(st.AlertsCreated), "created")
	ch <- prometheus.MustNewConstMetric(alertsDesc, prometheus.CounterValue, float64(st.AlertsResolved), "resolved")
	ch <- prometheus.MustNewConstMetric(statesDesc, prometheus.GaugeValue, float64(st.NotificationStates))
	ch <- prometheus.MustNewConstMetric(escalatedDesc, prometheus.GaugeValue, float64(st.EscalatedVehicles))
}
