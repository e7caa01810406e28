package reconcilersvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/abcretail/fulfillment/internal/dal/interfaces/idedupstore"
	"github.com/abcretail/fulfillment/internal/dal/interfaces/iorderrepo"
	"github.com/abcretail/fulfillment/internal/dal/interfaces/iproductrepo"
	"github.com/abcretail/fulfillment/internal/service/models/message"
	"github.com/abcretail/fulfillment/internal/service/models/product"
)

var (
	// ErrInsufficientStock is returned when a line item requests more than
	// the product's current quantity. The whole order is rejected; no item
	// is deducted.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConcurrencyExhausted is returned when reconciliation kept losing
	// version-conflict races and ran out of retry attempts.
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")
)

const rollbackAttempts = 3

// ReconcilerService applies order messages to product inventory.
//
// An order is all-or-nothing: every line item is validated against current
// stock before any deduction, deductions use the version token read during
// validation, and a lost race rolls back this attempt's deductions before the
// whole cycle is retried with fresh reads.
type ReconcilerService struct {
	productRepo  iproductrepo.IProductRepository
	orderRepo    iorderrepo.IOrderRepository
	dedupStore   idedupstore.IDedupStore
	maxAttempts  int
	retryBackoff time.Duration
}

// option is a function that configures the ReconcilerService.
type option func(*ReconcilerService)

// MustNewReconcilerService creates a new ReconcilerService.
func MustNewReconcilerService(opts ...option) *ReconcilerService {
	s := &ReconcilerService{
		maxAttempts:  3,
		retryBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithProductRepository sets the product repository for the ReconcilerService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithProductRepository(productRepo iproductrepo.IProductRepository) option {
	return func(s *ReconcilerService) {
		s.productRepo = productRepo
	}
}

// WithOrderRepository sets the order repository for the ReconcilerService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOrderRepository(orderRepo iorderrepo.IOrderRepository) option {
	return func(s *ReconcilerService) {
		s.orderRepo = orderRepo
	}
}

// WithDedupStore sets the processed-order dedup store for the ReconcilerService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithDedupStore(dedupStore idedupstore.IDedupStore) option {
	return func(s *ReconcilerService) {
		s.dedupStore = dedupStore
	}
}

// WithMaxAttempts bounds the number of full reconciliation cycles attempted
// when version conflicts keep occurring.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithMaxAttempts(maxAttempts int) option {
	return func(s *ReconcilerService) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
	}
}

// WithRetryBackoff sets the base backoff between conflict retries.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithRetryBackoff(backoff time.Duration) option {
	return func(s *ReconcilerService) {
		if backoff > 0 {
			s.retryBackoff = backoff
		}
	}
}

// Process reconciles one decoded order against inventory.
//
// Redelivered orders that were already reconciled are skipped via the dedup
// store. On success the order is recorded best-effort: a failed order record
// is logged but does not roll back the committed deduction.
func (s *ReconcilerService) Process(ctx context.Context, ord message.OrderMessage) error {
	ctx, span := otel.Tracer("service").Start(ctx, "ReconcilerService.Process")
	defer span.End()

	processed, err := s.dedupStore.IsProcessed(ctx, ord.OrderID)
	if err != nil {
		return fmt.Errorf("order %s: dedup check failed: %w", ord.OrderID, err)
	}
	if processed {
		slog.Info("Order already processed, skipping redelivery", "order_id", ord.OrderID)

		return nil
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.reconcileOnce(ctx, ord)
		if err == nil {
			s.commitOrder(ctx, ord)

			return nil
		}

		if !errors.Is(err, iproductrepo.ErrVersionConflict) {
			return fmt.Errorf("order %s: %w", ord.OrderID, err)
		}

		slog.Warn("Version conflict during reconciliation, retrying with fresh reads",
			"order_id", ord.OrderID,
			"attempt", attempt,
		)

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * s.retryBackoff
		select {
		case <-ctx.Done():
			return fmt.Errorf("order %s: %w", ord.OrderID, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("order %s after %d attempts: %w",
		ord.OrderID, s.maxAttempts, ErrConcurrencyExhausted)
}

// deduction records one applied stock change so it can be compensated if a
// later item in the same order loses its conditional write.
type deduction struct {
	productID string
	quantity  int
}

// reconcileOnce runs one full validation + deduction cycle.
func (s *ReconcilerService) reconcileOnce(ctx context.Context, ord message.OrderMessage) error {
	// Validation pass: no mutation until every item is known to be in stock.
	current := make([]product.Product, 0, len(ord.LineItems))
	for _, item := range ord.LineItems {
		p, err := s.productRepo.Get(ctx, item.ProductID)
		if err != nil {
			return err
		}
		if p.Quantity < item.Quantity {
			return fmt.Errorf("product %s: available %d, requested %d: %w",
				item.ProductID, p.Quantity, item.Quantity, ErrInsufficientStock)
		}
		current = append(current, p)
	}

	// Deduction pass: conditional writes keyed on the versions read above, so
	// a concurrent writer is detected at write time instead of re-checking.
	applied := make([]deduction, 0, len(ord.LineItems))
	for i, item := range ord.LineItems {
		err := s.productRepo.UpdateQuantity(
			ctx,
			item.ProductID,
			current[i].Quantity-item.Quantity,
			current[i].Version,
		)
		if err != nil {
			// Compensation runs detached from cancellation: when the failure
			// is the context itself being canceled mid-order, the rollback
			// must still complete or the partial deduction becomes permanent.
			s.rollback(context.WithoutCancel(ctx), ord.OrderID, applied)

			return err
		}
		applied = append(applied, deduction{productID: item.ProductID, quantity: item.Quantity})
	}

	return nil
}

// rollback compensates deductions applied in a failed cycle so the retry
// starts from an untouched state and never double-deducts.
func (s *ReconcilerService) rollback(ctx context.Context, orderID string, applied []deduction) {
	for i := len(applied) - 1; i >= 0; i-- {
		d := applied[i]

		var err error
		for attempt := 0; attempt < rollbackAttempts; attempt++ {
			var p product.Product
			p, err = s.productRepo.Get(ctx, d.productID)
			if err != nil {
				break
			}

			err = s.productRepo.UpdateQuantity(ctx, d.productID, p.Quantity+d.quantity, p.Version)
			if err == nil || !errors.Is(err, iproductrepo.ErrVersionConflict) {
				break
			}
		}

		if err != nil {
			slog.Error("Failed to roll back stock deduction, manual reconciliation needed",
				"order_id", orderID,
				"product_id", d.productID,
				"quantity", d.quantity,
				"error", err,
			)
		}
	}
}

// commitOrder marks the order processed and records it. Both writes are
// best-effort once the deduction is committed: failures are logged, and the
// order-record unique constraint backstops a lost dedup mark.
func (s *ReconcilerService) commitOrder(ctx context.Context, ord message.OrderMessage) {
	if err := s.dedupStore.MarkProcessed(ctx, ord.OrderID); err != nil {
		slog.Error("Failed to mark order processed", "order_id", ord.OrderID, "error", err)
	}

	if err := s.orderRepo.Record(ctx, ord); err != nil {
		if errors.Is(err, iorderrepo.ErrDuplicateOrder) {
			slog.Info("Order already recorded", "order_id", ord.OrderID)

			return
		}

		slog.Error("Failed to record order, inventory deduction stands",
			"order_id", ord.OrderID,
			"error", err,
		)

		return
	}

	slog.Info("Order reconciled",
		"order_id", ord.OrderID,
		"customer_id", ord.CustomerID,
		"line_items", len(ord.LineItems),
	)
}
