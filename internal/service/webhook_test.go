package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/internal/repository/postgres"
)

func newWebhook(f *serviceFixture) *WebhookService {
	return NewWebhookService(postgres.NewPaymentEventRepository(f.mock), f.svc, f.store, testLogger())
}

func paymentEvent(eventType, reservationID string) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		ID:   "evt_001",
		Type: eventType,
		Data: domain.PaymentEventData{
			PaymentIntentID: "pi_123",
			Metadata: domain.PaymentEventMetadata{
				ReservationID: reservationID,
				UserID:        "user-1",
			},
		},
	}
}

func expectClaim(f *serviceFixture, eventType, reservationID string) {
	f.mock.ExpectExec("INSERT INTO payment_events").
		WithArgs("evt_001", eventType, reservationID, domain.PaymentEventProcessing).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func expectMarkProcessed(f *serviceFixture) {
	f.mock.ExpectExec("UPDATE payment_events").
		WithArgs(domain.PaymentEventProcessed, "evt_001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func TestWebhook_PaymentSucceededConfirms(t *testing.T) {
	f := setupService(t)
	res := seedReservation(t, f, "user-1", 10*time.Minute)
	got, err := f.svc.CreatePaymentIntent(context.Background(), "user-1", res.ID, "")
	require.NoError(t, err)

	expectClaim(f, domain.EventPaymentSucceeded, res.ID)

	f.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	expectLockTimeout(f.mock)
	f.mock.ExpectExec("INSERT INTO orders").
		WithArgs(res.ID, "user-1", "shopper@example.com", domain.OrderStatusPaid,
			int64(5000), "USD", got.PaymentIntentID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectQuery("SELECT .+ FROM product_variants .+ FOR UPDATE").
		WithArgs(int64(101)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "product_id", "initial_stock", "reserved_stock"}).
			AddRow(int64(101), int64(11), 100, 2))
	f.mock.ExpectExec("UPDATE product_variants").
		WithArgs(2, int64(101)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("INSERT INTO order_items").
		WithArgs(res.ID, int64(101), int64(11), 2, int64(2500), int64(5000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectExec("INSERT INTO inventory_log").
		WithArgs(int64(101), domain.ChangeCheckout, -2, res.ID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectCommit()

	expectMarkProcessed(f)

	outcome := newWebhook(f).HandleEvent(context.Background(), paymentEvent(domain.EventPaymentSucceeded, res.ID))
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// expectNoOrderLookup covers the compensation check on the failed-payment
// path when no order was ever written for the reservation.
func expectNoOrderLookup(f *serviceFixture, reservationID string) {
	f.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	expectLockTimeout(f.mock)
	f.mock.ExpectQuery("SELECT status FROM orders").
		WithArgs(reservationID).
		WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectRollback()
}

func TestWebhook_PaymentFailedReleasesHold(t *testing.T) {
	f := setupService(t)
	res := seedReservation(t, f, "user-1", 10*time.Minute)

	expectClaim(f, domain.EventPaymentFailed, res.ID)
	expectNoOrderLookup(f, res.ID)

	f.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	expectLockTimeout(f.mock)
	f.mock.ExpectQuery("SELECT .+ FROM product_variants .+ FOR UPDATE").
		WithArgs(int64(101)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "product_id", "initial_stock", "reserved_stock"}).
			AddRow(int64(101), int64(11), 100, 2))
	f.mock.ExpectExec("UPDATE product_variants").
		WithArgs(2, int64(101)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("INSERT INTO inventory_log").
		WithArgs(int64(101), domain.ChangeRelease, -2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectCommit()

	expectMarkProcessed(f)

	outcome := newWebhook(f).HandleEvent(context.Background(), paymentEvent(domain.EventPaymentFailed, res.ID))
	assert.Equal(t, OutcomeProcessed, outcome)

	_, err := f.store.Get(context.Background(), res.ID)
	assert.Error(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhook_PaymentFailedAfterConfirmRestocks(t *testing.T) {
	f := setupService(t)
	id := "66666666-6666-4666-8666-666666666666"

	expectClaim(f, domain.EventPaymentFailed, id)

	f.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	expectLockTimeout(f.mock)
	f.mock.ExpectQuery("SELECT status FROM orders").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(domain.OrderStatusPaid))
	f.mock.ExpectExec("UPDATE orders").
		WithArgs(domain.OrderStatusCancelled, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectQuery("SELECT variant_id, product_id, quantity FROM order_items").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"variant_id", "product_id", "quantity"}).
			AddRow(int64(101), int64(11), 2))
	f.mock.ExpectQuery("SELECT .+ FROM product_variants .+ FOR UPDATE").
		WithArgs(int64(101)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "product_id", "initial_stock", "reserved_stock"}).
			AddRow(int64(101), int64(11), 98, 0))
	f.mock.ExpectExec("UPDATE product_variants").
		WithArgs(2, int64(101)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("INSERT INTO inventory_log").
		WithArgs(int64(101), domain.ChangeManualUpdate, 2, id).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectCommit()

	expectMarkProcessed(f)

	outcome := newWebhook(f).HandleEvent(context.Background(), paymentEvent(domain.EventPaymentFailed, id))
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhook_PaymentFailedForVanishedReservation(t *testing.T) {
	f := setupService(t)
	id := "66666666-6666-4666-8666-666666666666"

	expectClaim(f, domain.EventPaymentFailed, id)
	expectNoOrderLookup(f, id)
	expectMarkProcessed(f)

	outcome := newWebhook(f).HandleEvent(context.Background(), paymentEvent(domain.EventPaymentFailed, id))
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhook_DuplicateDeliverySkipped(t *testing.T) {
	f := setupService(t)
	id := "66666666-6666-4666-8666-666666666666"
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	f.mock.ExpectExec("INSERT INTO payment_events").
		WithArgs("evt_001", domain.EventPaymentSucceeded, id, domain.PaymentEventProcessing).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	f.mock.ExpectQuery("SELECT .+ FROM payment_events").
		WithArgs("evt_001").
		WillReturnRows(
			pgxmock.NewRows([]string{"event_id", "event_type", "reservation_id", "status", "last_error", "created_at", "updated_at"}).
				AddRow("evt_001", domain.EventPaymentSucceeded, id, domain.PaymentEventProcessed, "", now, now),
		)

	outcome := newWebhook(f).HandleEvent(context.Background(), paymentEvent(domain.EventPaymentSucceeded, id))
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhook_UnknownTypeSkipped(t *testing.T) {
	f := setupService(t)

	outcome := newWebhook(f).HandleEvent(context.Background(), paymentEvent("charge.refunded", "res-1"))
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestWebhook_MissingMetadataSkipped(t *testing.T) {
	f := setupService(t)

	outcome := newWebhook(f).HandleEvent(context.Background(), paymentEvent(domain.EventPaymentSucceeded, ""))
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestWebhook_MissingIDSkipped(t *testing.T) {
	f := setupService(t)

	evt := paymentEvent(domain.EventPaymentSucceeded, "res-1")
	evt.ID = ""
	outcome := newWebhook(f).HandleEvent(context.Background(), evt)
	assert.Equal(t, OutcomeSkipped, outcome)
}
