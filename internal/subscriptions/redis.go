package subscriptions

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis keeps subscriptions in sets so several service instances share them:
// <prefix>:subs:vehicle:<id> holds subscriber ids and
// <prefix>:subs:client:<id> holds vehicle ids.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "fleet"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) vehicleKey(vehicleID string) string {
	return fmt.Sprintf("%s:subs:vehicle:%s", r.prefix, vehicleID)
}

func (r *Redis) clientKey(subscriberID string) string {
	return fmt.Sprintf("%s:subs:client:%s", r.prefix, subscriberID)
}

func (r *Redis) GetSubscribers(ctx context.Context, vehicleID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.vehicleKey(vehicleID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis subscribers lookup failed: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (r *Redis) Subscribe(ctx context.Context, subscriberID string, vehicleIDs ...string) error {
	if len(vehicleIDs) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, v := range vehicleIDs {
		if v == "" {
			continue
		}
		pipe.SAdd(ctx, r.vehicleKey(v), subscriberID)
		pipe.SAdd(ctx, r.clientKey(subscriberID), v)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis subscribe failed: %w", err)
	}
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, subscriberID string, vehicleIDs ...string) error {
	if len(vehicleIDs) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, v := range vehicleIDs {
		pipe.SRem(ctx, r.vehicleKey(v), subscriberID)
		pipe.SRem(ctx, r.clientKey(subscriberID), v)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis unsubscribe failed: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, subscriberID string) error {
	vehicles, err := r.client.SMembers(ctx, r.clientKey(subscriberID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis subscriber lookup failed: %w", err)
	}
	pipe := r.client.TxPipeline()
	for _, v := range vehicles {
		pipe.SRem(ctx, r.vehicleKey(v), subscriberID)
	}
	pipe.Del(ctx, r.clientKey(subscriberID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove subscriber failed: %w", err)
	}
	return nil
}
