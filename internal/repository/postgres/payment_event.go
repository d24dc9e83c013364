package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/pkg/database"
)

// staleClaimAfter is how long a processing row may sit untouched before a
// redelivery is allowed to reclaim it. Covers a handler that crashed between
// claiming and recording the outcome.
const staleClaimAfter = 5 * time.Minute

// PaymentEventRepository implements the durable webhook deduplication ledger
// using PostgreSQL.
type PaymentEventRepository struct {
	pool database.DBTX
}

// NewPaymentEventRepository creates a new PostgreSQL-backed payment event
// ledger.
func NewPaymentEventRepository(pool database.DBTX) *PaymentEventRepository {
	return &PaymentEventRepository{pool: pool}
}

// Claim atomically records the event id as processing. Exactly one concurrent
// caller wins the insert; every other caller gets claimed=false together with
// the existing ledger row so it can decide whether to skip or retry.
func (r *PaymentEventRepository) Claim(ctx context.Context, eventID, eventType, reservationID string) (bool, *domain.PaymentEventRecord, error) {
	insertQuery := `
		INSERT INTO payment_events (event_id, event_type, reservation_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`

	ct, err := r.pool.Exec(ctx, insertQuery, eventID, eventType, reservationID, domain.PaymentEventProcessing)
	if err != nil {
		return false, nil, fmt.Errorf("claim payment event: %w", err)
	}

	if ct.RowsAffected() == 1 {
		return true, nil, nil
	}

	existing, err := r.get(ctx, eventID)
	if err != nil {
		return false, nil, fmt.Errorf("load existing payment event: %w", err)
	}

	switch existing.Status {
	case domain.PaymentEventFailed:
		// A prior failed attempt may be retried: flip the row back to
		// processing and hand the claim to this caller.
		retryQuery := `
			UPDATE payment_events
			SET status = $1, updated_at = NOW()
			WHERE event_id = $2 AND status = $3`

		ct, err := r.pool.Exec(ctx, retryQuery, domain.PaymentEventProcessing, eventID, domain.PaymentEventFailed)
		if err != nil {
			return false, nil, fmt.Errorf("reclaim failed payment event: %w", err)
		}
		if ct.RowsAffected() == 1 {
			return true, nil, nil
		}
		// Lost the reclaim race; re-read the winner's state.
		existing, err = r.get(ctx, eventID)
		if err != nil {
			return false, nil, fmt.Errorf("load reclaimed payment event: %w", err)
		}

	case domain.PaymentEventProcessing:
		// A processing row that stopped moving belongs to a crashed handler.
		// The age guard repeats in SQL so only one of several concurrent
		// redeliveries refreshes updated_at and wins the claim.
		if time.Since(existing.UpdatedAt) >= staleClaimAfter {
			reclaimQuery := `
				UPDATE payment_events
				SET updated_at = NOW()
				WHERE event_id = $1 AND status = $2 AND updated_at < NOW() - INTERVAL '5 minutes'`

			ct, err := r.pool.Exec(ctx, reclaimQuery, eventID, domain.PaymentEventProcessing)
			if err != nil {
				return false, nil, fmt.Errorf("reclaim stale payment event: %w", err)
			}
			if ct.RowsAffected() == 1 {
				return true, nil, nil
			}
			existing, err = r.get(ctx, eventID)
			if err != nil {
				return false, nil, fmt.Errorf("load reclaimed payment event: %w", err)
			}
		}
	}

	return false, existing, nil
}

// MarkProcessed finalizes a claimed event as successfully handled.
func (r *PaymentEventRepository) MarkProcessed(ctx context.Context, eventID string) error {
	query := `
		UPDATE payment_events
		SET status = $1, last_error = NULL, updated_at = NOW()
		WHERE event_id = $2`

	if _, err := r.pool.Exec(ctx, query, domain.PaymentEventProcessed, eventID); err != nil {
		return fmt.Errorf("mark payment event processed: %w", err)
	}

	return nil
}

// MarkFailed records a handling failure so a later redelivery can retry.
func (r *PaymentEventRepository) MarkFailed(ctx context.Context, eventID string, handleErr error) error {
	query := `
		UPDATE payment_events
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE event_id = $3`

	msg := ""
	if handleErr != nil {
		msg = handleErr.Error()
	}

	if _, err := r.pool.Exec(ctx, query, domain.PaymentEventFailed, msg, eventID); err != nil {
		return fmt.Errorf("mark payment event failed: %w", err)
	}

	return nil
}

func (r *PaymentEventRepository) get(ctx context.Context, eventID string) (*domain.PaymentEventRecord, error) {
	query := `
		SELECT event_id, event_type, COALESCE(reservation_id::text, ''), status, COALESCE(last_error, ''), created_at, updated_at
		FROM payment_events
		WHERE event_id = $1`

	var rec domain.PaymentEventRecord
	err := r.pool.QueryRow(ctx, query, eventID).Scan(
		&rec.EventID,
		&rec.EventType,
		&rec.ReservationID,
		&rec.Status,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment event %s vanished after conflict", eventID)
		}
		return nil, err
	}

	return &rec, nil
}
