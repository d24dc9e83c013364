package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/internal/repository"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

// ProcessOutcome classifies how a webhook delivery was handled. Every
// outcome is acknowledged to the provider; a failed outcome is recorded in
// the ledger and picked up again when the provider redelivers.
type ProcessOutcome string

const (
	OutcomeProcessed ProcessOutcome = "processed"
	OutcomeSkipped   ProcessOutcome = "skipped"
	OutcomeFailed    ProcessOutcome = "failed"
)

// WebhookService turns payment provider events into reservation state
// transitions, deduplicated through the durable event ledger.
type WebhookService struct {
	ledger       repository.PaymentEventRepository
	reservations *ReservationService
	store        repository.ReservationStore
	logger       *slog.Logger
}

// NewWebhookService creates a webhook processor.
func NewWebhookService(
	ledger repository.PaymentEventRepository,
	reservations *ReservationService,
	store repository.ReservationStore,
	logger *slog.Logger,
) *WebhookService {
	return &WebhookService{
		ledger:       ledger,
		reservations: reservations,
		store:        store,
		logger:       logger,
	}
}

// HandleEvent processes one provider delivery. It never panics outward and
// never lets a handling error escape as anything but OutcomeFailed; the
// failure is recorded in the ledger so a redelivery can retry it.
func (s *WebhookService) HandleEvent(ctx context.Context, evt *domain.PaymentEvent) ProcessOutcome {
	if evt == nil || evt.ID == "" {
		s.logger.WarnContext(ctx, "webhook event missing id, skipping")
		return OutcomeSkipped
	}

	switch evt.Type {
	case domain.EventPaymentSucceeded, domain.EventPaymentFailed, domain.EventPaymentCanceled:
	default:
		// Unknown types are acknowledged so the provider stops resending
		// them.
		s.logger.InfoContext(ctx, "ignoring webhook event of unhandled type",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
		)
		return OutcomeSkipped
	}

	reservationID := evt.Data.Metadata.ReservationID
	if reservationID == "" {
		s.logger.WarnContext(ctx, "webhook event has no reservation metadata, skipping",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
		)
		return OutcomeSkipped
	}

	claimed, existing, err := s.ledger.Claim(ctx, evt.ID, evt.Type, reservationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to claim webhook event",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed
	}
	if !claimed {
		status := ""
		if existing != nil {
			status = existing.Status
		}
		s.logger.InfoContext(ctx, "duplicate webhook delivery, skipping",
			slog.String("event_id", evt.ID),
			slog.String("ledger_status", status),
		)
		return OutcomeSkipped
	}

	if err := s.apply(ctx, evt, reservationID); err != nil {
		s.logger.ErrorContext(ctx, "webhook event handling failed",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.String("reservation_id", reservationID),
			slog.String("error", err.Error()),
		)
		if markErr := s.ledger.MarkFailed(ctx, evt.ID, err); markErr != nil {
			s.logger.ErrorContext(ctx, "failed to record webhook failure",
				slog.String("event_id", evt.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return OutcomeFailed
	}

	if err := s.ledger.MarkProcessed(ctx, evt.ID); err != nil {
		// The side effects are durable and idempotent; a redelivery will be
		// absorbed by the confirm/cancel replay paths.
		s.logger.ErrorContext(ctx, "failed to record webhook success",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "webhook event processed",
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("reservation_id", reservationID),
	)

	return OutcomeProcessed
}

func (s *WebhookService) apply(ctx context.Context, evt *domain.PaymentEvent, reservationID string) error {
	switch evt.Type {
	case domain.EventPaymentSucceeded:
		_, err := s.reservations.confirmFromEvent(ctx, reservationID)
		if err != nil {
			// An expired-and-swept reservation cannot be confirmed anymore;
			// the money flow is reconciled manually from the ledger row.
			if errors.Is(err, apperrors.ErrNotFound) {
				s.logger.WarnContext(ctx, "payment succeeded for vanished reservation",
					slog.String("event_id", evt.ID),
					slog.String("reservation_id", reservationID),
				)
				return nil
			}
			return err
		}
		return nil

	case domain.EventPaymentFailed, domain.EventPaymentCanceled:
		// A late failure can arrive after the order was already written.
		// Compensate the order first; if none exists, release the hold.
		// Cancel is a no-op when the reservation is already gone.
		err := s.reservations.CancelPaidOrder(ctx, reservationID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return s.reservations.cancelFromEvent(ctx, reservationID)

	default:
		return nil
	}
}
