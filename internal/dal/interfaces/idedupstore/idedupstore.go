package idedupstore

import "context"

// IDedupStore tracks order ids that have already been reconciled, so that a
// redelivered message does not deduct stock a second time. The queue only
// guarantees at-least-once delivery; this store upgrades the reconciliation
// to exactly-once effect.
type IDedupStore interface {
	// IsProcessed reports whether the order id has already been reconciled.
	IsProcessed(ctx context.Context, orderID string) (bool, error)

	// MarkProcessed durably records the order id as reconciled.
	MarkProcessed(ctx context.Context, orderID string) error
}
