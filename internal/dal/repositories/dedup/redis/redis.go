package redis

import (
	"context"
	"fmt"
	"time"

	redisdal "github.com/abcretail/fulfillment/internal/dal/redis"
)

const keyPrefix = "fulfillment:processed:"

// DedupStore implements the processed-order dedup set on Redis.
//
// Entries expire after the retention period; it must comfortably exceed the
// queue's message retention so a redelivery can never outlive its dedup mark.
type DedupStore struct {
	client    *redisdal.Client
	retention time.Duration
}

// NewDedupStore creates a new dedup store.
func NewDedupStore(client *redisdal.Client, retention time.Duration) *DedupStore {
	return &DedupStore{
		client:    client,
		retention: retention,
	}
}

// IsProcessed reports whether the order id has already been reconciled.
func (s *DedupStore) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	n, err := s.client.RDB().Exists(ctx, keyPrefix+orderID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed order %s: %w", orderID, err)
	}

	return n > 0, nil
}

// MarkProcessed durably records the order id as reconciled.
func (s *DedupStore) MarkProcessed(ctx context.Context, orderID string) error {
	err := s.client.RDB().Set(ctx, keyPrefix+orderID, time.Now().Unix(), s.retention).Err()
	if err != nil {
		return fmt.Errorf("failed to mark order %s processed: %w", orderID, err)
	}

	return nil
}
