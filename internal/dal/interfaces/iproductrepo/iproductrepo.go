package iproductrepo

import (
	"context"
	"errors"

	"github.com/abcretail/fulfillment/internal/service/models/product"
)

var (
	// ErrProductNotFound is returned when no product exists for the given id.
	ErrProductNotFound = errors.New("product not found")

	// ErrVersionConflict is returned when a conditional update is rejected
	// because the stored version token no longer matches the expected one.
	ErrVersionConflict = errors.New("product version conflict")
)

// IProductRepository is the interface for product inventory access.
type IProductRepository interface {
	// Get fetches the current product record, including its version token.
	Get(ctx context.Context, productID string) (product.Product, error)

	// UpdateQuantity conditionally sets the product quantity. The write is
	// rejected with ErrVersionConflict if the stored version token differs
	// from expected, signaling a concurrent modification.
	UpdateQuantity(
		ctx context.Context,
		productID string,
		quantity int,
		expected product.Version,
	) error
}
