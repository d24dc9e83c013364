package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/internal/notifier"
	"github.com/vireshop/checkout/internal/repository"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

const (
	defaultRecoveryInterval = 5 * time.Minute
	defaultRecoveryBatch    = 50

	// recoveryGrace is how long after expiry a shopper is left alone before
	// outreach. Many shoppers come back on their own within minutes.
	recoveryGrace = 10 * time.Minute

	// recoveryCutoff is how long after expiry a reservation stays
	// recoverable at all.
	recoveryCutoff = 24 * time.Hour
)

// RecoveryService runs abandoned-cart recovery: it notifies shoppers whose
// reservation expired unconfirmed and lets them rebuild the cart through a
// single-use token.
type RecoveryService struct {
	reservations *ReservationService
	store        repository.ReservationStore
	orders       repository.OrderRepository
	sender       notifier.Sender
	logger       *slog.Logger
	baseURL      string
	interval     time.Duration
	batchSize    int
}

// NewRecoveryService creates a recovery service. baseURL is the public
// storefront origin embedded in recovery links.
func NewRecoveryService(
	reservations *ReservationService,
	store repository.ReservationStore,
	orders repository.OrderRepository,
	sender notifier.Sender,
	logger *slog.Logger,
	baseURL string,
	interval time.Duration,
	batchSize int,
) *RecoveryService {
	if interval <= 0 {
		interval = defaultRecoveryInterval
	}
	if batchSize <= 0 {
		batchSize = defaultRecoveryBatch
	}
	return &RecoveryService{
		reservations: reservations,
		store:        store,
		orders:       orders,
		sender:       sender,
		logger:       logger,
		baseURL:      baseURL,
		interval:     interval,
		batchSize:    batchSize,
	}
}

// Run performs recovery outreach until the context is cancelled.
func (s *RecoveryService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("recovery worker started",
		slog.Duration("interval", s.interval),
		slog.Int("batch_size", s.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery worker stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "recovery pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce processes one batch of abandoned reservations and returns how many
// recovery messages were sent.
func (s *RecoveryService) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.store.AbandonedCandidates(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, id := range ids {
		notified, err := s.recoverOne(ctx, id)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to process abandoned reservation",
				slog.String("reservation_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if notified {
			sent++
		}
	}

	if sent > 0 {
		s.logger.InfoContext(ctx, "sent recovery messages", slog.Int("sent_count", sent))
	}

	return sent, nil
}

// recoverOne decides what to do with one abandoned reservation. It reports
// whether outreach was sent.
func (s *RecoveryService) recoverOne(ctx context.Context, id string) (bool, error) {
	res, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, s.store.RemoveAbandoned(ctx, id)
		}
		return false, err
	}

	sinceExpiry := time.Since(res.ExpiresAt)

	if sinceExpiry > recoveryCutoff {
		// Too old to chase; the payload TTL will clean up the rest.
		return false, s.store.RemoveAbandoned(ctx, id)
	}

	if sinceExpiry < recoveryGrace {
		// Still inside the quiet period; revisit on a later pass.
		return false, nil
	}

	email := res.Email
	if email == "" && !res.IsGuestOwned() {
		// The reservation never captured an email; fall back to what the
		// customer used on past orders.
		email, err = s.orders.LatestEmailByUser(ctx, res.UserID)
		if err != nil {
			return false, err
		}
	}
	if email == "" {
		// Nobody to contact.
		return false, s.store.RemoveAbandoned(ctx, id)
	}

	if notified, err := s.store.IsNotified(ctx, id); err != nil {
		return false, err
	} else if notified {
		return false, s.store.RemoveAbandoned(ctx, id)
	}

	token := uuid.New().String()
	tokenTTL := recoveryCutoff - sinceExpiry
	if err := s.store.CreateRecoveryToken(ctx, token, id, tokenTTL); err != nil {
		return false, err
	}

	// The marker goes in before the send: a crashed send costs one lost
	// message, never a duplicate.
	if err := s.store.MarkNotified(ctx, id, recoveryCutoff); err != nil {
		return false, err
	}

	msg := notifier.RecoveryMessage{
		Email:         email,
		ReservationID: res.ID,
		TotalAmount:   res.TotalAmount,
		Currency:      res.Currency,
		RecoveryURL:   fmt.Sprintf("%s/checkout/recover/%s", s.baseURL, token),
	}
	if err := s.sender.SendRecovery(ctx, msg); err != nil {
		return false, fmt.Errorf("send recovery message: %w", err)
	}

	if err := s.store.RemoveAbandoned(ctx, id); err != nil {
		return true, err
	}

	s.logger.InfoContext(ctx, "recovery message sent",
		slog.String("reservation_id", id),
	)

	return true, nil
}

// RecoverFromToken redeems a single-use recovery token: the abandoned cart's
// lines are re-reserved at current availability and current prices. The old
// payload is discarded whether or not the new reservation succeeds, because
// the token is already burned.
func (s *RecoveryService) RecoverFromToken(ctx context.Context, token string) (*domain.Reservation, error) {
	id, err := s.store.ConsumeRecoveryToken(ctx, token)
	if err != nil {
		return nil, err
	}

	old, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ReservationExpired(id)
		}
		return nil, err
	}

	input := &ReserveInput{Email: old.Email}
	for _, item := range old.Items {
		input.Items = append(input.Items, ReserveItemInput{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}

	userID := old.UserID
	if old.IsGuestOwned() {
		// A fresh guest identity; the old one may still hold a stale owner
		// pointer.
		userID = ""
	}

	// Drop the old payload before re-reserving so its stale owner pointer
	// cannot clobber the new one. The token is burned either way.
	if err := s.store.Delete(ctx, old); err != nil {
		s.logger.WarnContext(ctx, "failed to delete recovered reservation payload",
			slog.String("reservation_id", old.ID),
			slog.String("error", err.Error()),
		)
	}

	res, err := s.reservations.Reserve(ctx, userID, input)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "reservation recovered",
		slog.String("old_reservation_id", old.ID),
		slog.String("new_reservation_id", res.ID),
	)

	return res, nil
}
