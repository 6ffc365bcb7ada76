package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultListKey is the operator inspection list alerts are pushed to.
const DefaultListKey = "leasesync:alerts"

// RedisNotifier pushes alerts onto a Redis list that operator tooling tails.
type RedisNotifier struct {
	client  *redis.Client
	listKey string
	logger  *slog.Logger
}

// NewRedisNotifier connects to Redis and returns a notifier. A ping failure
// is returned so callers can fall back to the log notifier.
func NewRedisNotifier(ctx context.Context, addr, listKey string, logger *slog.Logger) (*RedisNotifier, error) {
	if listKey == "" {
		listKey = DefaultListKey
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisNotifier{
		client:  client,
		listKey: listKey,
		logger:  logger.With("module", "alerts"),
	}, nil
}

// Notify serializes the alert and LPUSHes it so the newest alert is at the
// head of the list.
func (n *RedisNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	err = n.client.LPush(ctx, n.listKey, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to push alert to %s: %w", n.listKey, err)
	}

	n.logger.InfoContext(ctx, "operator alert pushed",
		"table_name", alert.TableName,
		"record_id", alert.RecordID,
		"queue_item_id", alert.QueueItemID,
	)

	return nil
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
