package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher forwards every emitted event to another transport.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisMirror republishes events on Redis pub/sub so other instances and
// backend consumers see the same stream as local websocket subscribers.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (r *RedisMirror) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", channel, err)
	}
	return nil
}

func VehicleChannel(prefix, vehicleID string) string {
	return fmt.Sprintf("%s:vehicle:%s", prefix, vehicleID)
}

func SummaryChannel(prefix string) string {
	return prefix + ":summary"
}
