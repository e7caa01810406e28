package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/abcretail/fulfillment/internal/dal/interfaces/iproductrepo"
	"github.com/abcretail/fulfillment/internal/dal/postgres"
	"github.com/abcretail/fulfillment/internal/service/models/product"
)

// ProductRepository implements the product repository for PostgreSQL.
//
// The version column serves as the optimistic-concurrency token: it is bumped
// on every write and exposed to callers as an opaque string.
type ProductRepository struct {
	client *postgres.Client
}

// NewProductRepository creates a new product repository.
func NewProductRepository(client *postgres.Client) *ProductRepository {
	return &ProductRepository{
		client: client,
	}
}

// Get fetches the current product record, including its version token.
func (r *ProductRepository) Get(
	ctx context.Context,
	productID string,
) (product.Product, error) {
	query, args, err := sq.Select("id", "name", "quantity", "version::text").
		From("products").
		Where(sq.Eq{"id": productID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return product.Product{}, fmt.Errorf("failed to build product select query: %w", err)
	}

	var p product.Product
	var version string
	row := r.client.Pool().QueryRow(ctx, query, args...)
	if err := row.Scan(&p.ID, &p.Name, &p.Quantity, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.Product{}, fmt.Errorf(
				"product %s: %w", productID, iproductrepo.ErrProductNotFound)
		}

		return product.Product{}, fmt.Errorf("failed to get product %s: %w", productID, err)
	}

	p.Version = product.Version(version)

	return p, nil
}

// UpdateQuantity conditionally sets the product quantity. Zero rows affected
// means the stored version token moved on since the read, or the product was
// deleted; the two cases are told apart with a follow-up existence check.
func (r *ProductRepository) UpdateQuantity(
	ctx context.Context,
	productID string,
	quantity int,
	expected product.Version,
) error {
	query, args, err := sq.Update("products").
		Set("quantity", quantity).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": productID}).
		Where(sq.Expr("version::text = ?", string(expected))).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build product update query: %w", err)
	}

	tag, err := r.client.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update product %s quantity: %w", productID, err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, productID); err != nil {
			return err
		}

		return fmt.Errorf("product %s: %w", productID, iproductrepo.ErrVersionConflict)
	}

	return nil
}
