package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/abcretail/fulfillment/internal/dal/interfaces/iorderrepo"
	"github.com/abcretail/fulfillment/internal/dal/postgres"
	"github.com/abcretail/fulfillment/internal/service/models/message"
)

const uniqueViolationCode = "23505"

// OrderRepository implements the order repository for PostgreSQL.
type OrderRepository struct {
	client *postgres.Client
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(client *postgres.Client) *OrderRepository {
	return &OrderRepository{
		client: client,
	}
}

// Record persists a reconciled order and its line items in one transaction.
// The unique constraint on orders.order_id reports redelivered orders as
// ErrDuplicateOrder.
func (r *OrderRepository) Record(ctx context.Context, order message.OrderMessage) error {
	totalAmount := order.TotalAmount.String()
	if totalAmount == "" {
		totalAmount = "0"
	}

	tx, err := r.client.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	query, args, err := sq.Insert("orders").
		Columns("order_id", "customer_id", "total_amount", "order_date", "created_at").
		Values(order.OrderID, order.CustomerID, totalAmount, order.OrderDate, time.Now()).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build order insert query: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("order %s: %w", order.OrderID, iorderrepo.ErrDuplicateOrder)
		}

		return fmt.Errorf("failed to insert order %s: %w", order.OrderID, err)
	}

	builder := sq.Insert("order_items").
		Columns("order_id", "product_id", "product_name", "quantity").
		PlaceholderFormat(sq.Dollar)
	for _, item := range order.LineItems {
		builder = builder.Values(order.OrderID, item.ProductID, item.ProductName, item.Quantity)
	}

	query, args, err = builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build order items insert query: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert order %s items: %w", order.OrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order %s: %w", order.OrderID, err)
	}

	return nil
}
