package iorderrepo

import (
	"context"
	"errors"

	"github.com/abcretail/fulfillment/internal/service/models/message"
)

// ErrDuplicateOrder is returned when an order with the same id has already
// been recorded. Callers treat this as an already-processed redelivery.
var ErrDuplicateOrder = errors.New("order already recorded")

// IOrderRepository is the interface for persisting completed orders.
type IOrderRepository interface {
	// Record persists a successfully reconciled order with its line items.
	Record(ctx context.Context, order message.OrderMessage) error
}
