package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"fleetalerts/internal/metrics"
	"fleetalerts/internal/model"
)

// Handler processes one sample. It runs on the worker owning the vehicle.
type Handler func(ctx context.Context, t model.Telemetry)

// Dispatcher fans samples out to a fixed set of workers. A vehicle always
// maps to the same worker, so its samples are handled in arrival order.
type Dispatcher struct {
	queues  []chan model.Telemetry
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

type Stats struct {
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
	Queued   int    `json:"queued"`
	Workers  int    `json:"workers"`
}

// New splits buffer evenly across workers.
func New(workers, buffer int, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	per := buffer / workers
	if per <= 0 {
		per = 1
	}
	d := &Dispatcher{
		queues:  make([]chan model.Telemetry, workers),
		handler: handler,
		logger:  logger,
		metrics: m,
	}
	for i := range d.queues {
		d.queues[i] = make(chan model.Telemetry, per)
	}
	return d
}

// Submit enqueues without blocking and reports false when the vehicle's
// queue is full.
func (d *Dispatcher) Submit(ctx context.Context, t model.Telemetry) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case d.queues[d.shard(t.VehicleID)] <- t:
		d.accepted.Add(1)
		return true
	default:
		d.dropped.Add(1)
		d.metrics.IngestDropped("pipeline")
		return false
	}
}

func (d *Dispatcher) shard(vehicleID string) int {
	if len(d.queues) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Run starts the workers and blocks until ctx is done. Samples still queued
// at that point are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, q := range d.queues {
		g.Go(func() error {
			d.work(ctx, i, q)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int, q <-chan model.Telemetry) {
	for {
		select {
		case t := <-q:
			d.handle(ctx, id, t)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, id int, t model.Telemetry) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Error("sample handler panicked", "worker", id, "vehicle_id", t.VehicleID, "panic", r)
		}
	}()
	d.handler(ctx, t)
}

func (d *Dispatcher) Stats() Stats {
	queued := 0
	for _, q := range d.queues {
		queued += len(q)
	}
	return Stats{
		Accepted: d.accepted.Load(),
		Dropped:  d.dropped.Load(),
		Queued:   queued,
		Workers:  len(d.queues),
	}
}
