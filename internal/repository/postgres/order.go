package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/pkg/database"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	pool database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(pool database.DBTX) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// GetByID retrieves an order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	query := `
		SELECT id, user_id, email, status, total_amount, currency, payment_intent_id, created_at, updated_at
		FROM orders
		WHERE id = $1`

	var (
		o               domain.Order
		email           *string
		paymentIntentID *string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&o.ID,
		&o.UserID,
		&email,
		&o.Status,
		&o.TotalAmount,
		&o.Currency,
		&paymentIntentID,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("order", id)
		}
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	if email != nil {
		o.Email = *email
	}
	if paymentIntentID != nil {
		o.PaymentIntentID = *paymentIntentID
	}

	itemsQuery := `
		SELECT id, order_id, variant_id, product_id, quantity, unit_price, line_total
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, itemsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.VariantID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.LineTotal,
		); err != nil {
			return nil, fmt.Errorf("scan order item row: %w", err)
		}
		o.Items = append(o.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order item rows: %w", err)
	}

	if o.Items == nil {
		o.Items = []domain.OrderItem{}
	}

	return &o, nil
}

// GetStatus returns just the status of an order.
func (r *OrderRepository) GetStatus(ctx context.Context, id string) (string, error) {
	query := `SELECT status FROM orders WHERE id = $1`

	var status string
	err := r.pool.QueryRow(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("get order status: %w", err)
	}

	return status, nil
}

// LatestEmailByUser returns the email on the customer's most recent order.
// Empty when the customer has no orders carrying an email.
func (r *OrderRepository) LatestEmailByUser(ctx context.Context, userID string) (string, error) {
	query := `
		SELECT email
		FROM orders
		WHERE user_id = $1 AND email IS NOT NULL AND email <> ''
		ORDER BY created_at DESC
		LIMIT 1`

	var email string
	err := r.pool.QueryRow(ctx, query, userID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get latest order email: %w", err)
	}

	return email, nil
}
