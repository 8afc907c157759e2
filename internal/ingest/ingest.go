package ingest

import (
	"context"
	"log/slog"
	"time"

	"fleetalerts/internal/config"
	"fleetalerts/internal/model"
	"fleetalerts/internal/normalize"
)

// Sink accepts normalized samples without blocking. It reports false when
// the sample was dropped.
type Sink interface {
	Submit(ctx context.Context, t model.Telemetry) bool
}

func processLine(ctx context.Context, cfg *config.Manager, parser *Parser, sink Sink, logger *slog.Logger, source, line string) bool {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return false
	}
	t, err := normalize.Normalize(*fields, cfg.Get())
	if err != nil {
		if logger != nil {
			logger.Warn("normalize error", "source", source, "err", err)
		}
		return false
	}
	t.Source = source
	if !sink.Submit(ctx, t) {
		if logger != nil {
			logger.Warn("ingest queue full, dropping sample", "source", source, "vehicle_id", t.VehicleID)
		}
		return false
	}
	return true
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
