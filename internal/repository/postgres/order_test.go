package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/pkg/database"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

func setupOrderRepo(t *testing.T) (*OrderRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	repo := NewOrderRepository(mock)
	return repo, mock
}

func TestOrderRepository_GetByID_Success(t *testing.T) {
	repo, mock := setupOrderRepo(t)
	defer mock.Close()

	orderID := "55555555-5555-4555-8555-555555555555"
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	email := "shopper@example.com"
	intentID := "pi_123"

	mock.ExpectQuery("SELECT .+ FROM orders WHERE").
		WithArgs(orderID).
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "user_id", "email", "status", "total_amount", "currency", "payment_intent_id", "created_at", "updated_at"}).
				AddRow(orderID, "user-1", &email, domain.OrderStatusPaid, int64(3980), "USD", &intentID, now, now),
		)
	mock.ExpectQuery("SELECT .+ FROM order_items WHERE").
		WithArgs(orderID).
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "order_id", "variant_id", "product_id", "quantity", "unit_price", "line_total"}).
				AddRow(int64(1), orderID, int64(101), int64(11), 2, int64(1990), int64(3980)),
		)

	order, err := repo.GetByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, email, order.Email)
	assert.Equal(t, intentID, order.PaymentIntentID)
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(101), order.Items[0].VariantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := setupOrderRepo(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM orders WHERE").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	order, err := repo.GetByID(context.Background(), "missing")
	assert.Nil(t, order)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_GetStatus(t *testing.T) {
	repo, mock := setupOrderRepo(t)
	defer mock.Close()

	orderID := "55555555-5555-4555-8555-555555555555"
	mock.ExpectQuery("SELECT status FROM orders").
		WithArgs(orderID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(domain.OrderStatusPaid))

	status, err := repo.GetStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_GetStatus_NotFound(t *testing.T) {
	repo, mock := setupOrderRepo(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT status FROM orders").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_LatestEmailByUser(t *testing.T) {
	repo, mock := setupOrderRepo(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT email FROM orders").
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"email"}).AddRow("shopper@example.com"))

	email, err := repo.LatestEmailByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "shopper@example.com", email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_LatestEmailByUser_NoneOnFile(t *testing.T) {
	repo, mock := setupOrderRepo(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT email FROM orders").
		WithArgs("user-2").
		WillReturnError(pgx.ErrNoRows)

	email, err := repo.LatestEmailByUser(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Empty(t, email)
	assert.NoError(t, mock.ExpectationsWereMet())
}
