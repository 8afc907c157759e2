package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"fleetalerts/internal/config"
)

// StartKafka consumes telemetry records from a consumer group. Offsets are
// committed by the reader as messages are read; a dropped sample is not
// redelivered.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			line := string(m.Value)
			if len(m.Key) > 0 {
				line = withVehicleKey(line, string(m.Key))
			}
			processLine(ctx, cfg, parser, sink, logger, "kafka", line)
		}
	}()
}

// withVehicleKey lets producers key messages by vehicle id and omit it from
// plain-text payloads.
func withVehicleKey(line, key string) string {
	if looksLikeJSON(line) || (strings.Contains(line, ",") && !strings.Contains(line, "=")) {
		return line
	}
	if fields, err := parsePlain(line); err == nil && fields.VehicleID == "" {
		return "vehicle_id=" + key + " " + line
	}
	return line
}
