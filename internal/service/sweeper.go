package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vireshop/checkout/internal/repository"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 100
)

// Sweeper releases the stock of logically expired reservations. It scans the
// expiry index on a fixed interval and processes each hit independently, so
// one bad payload cannot stall the batch.
//
// The reservation payload is deliberately retained after its hold is
// released: the abandoned-cart recovery flow still needs it.
type Sweeper struct {
	reservations *ReservationService
	store        repository.ReservationStore
	logger       *slog.Logger
	interval     time.Duration
	batchSize    int
}

// NewSweeper creates an expiration sweeper. Non-positive interval or batch
// size fall back to defaults.
func NewSweeper(reservations *ReservationService, store repository.ReservationStore, logger *slog.Logger, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	return &Sweeper{
		reservations: reservations,
		store:        store,
		logger:       logger,
		interval:     interval,
		batchSize:    batchSize,
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiration sweeper started",
		slog.Duration("interval", s.interval),
		slog.Int("batch_size", s.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce processes one batch of expired reservations and returns how many
// holds were released.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ExpiredBefore(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		if err := s.sweepOne(ctx, id); err != nil {
			s.logger.ErrorContext(ctx, "failed to sweep reservation",
				slog.String("reservation_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		released++
	}

	if released > 0 {
		s.logger.InfoContext(ctx, "released expired reservations",
			slog.Int("released_count", released),
			slog.Int("candidates", len(ids)),
		)
	}

	return released, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id string) error {
	res, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Payload already gone (confirmed, cancelled or TTL-evicted);
			// just drop the index entry.
			_, err := s.store.RemoveFromExpiryIndex(ctx, id)
			return err
		}
		return err
	}

	if !res.IsExpired() {
		// Clock skew between the index score and the payload; leave it for
		// the next pass.
		return nil
	}

	// Removing the index entry claims the release. A concurrent cancellation
	// claims the same way, so the hold is released exactly once.
	claimed, err := s.store.RemoveFromExpiryIndex(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := s.reservations.ReleaseExpired(ctx, res); err != nil {
		if reqErr := s.store.RequeueExpiry(ctx, id, res.ExpiresAt); reqErr != nil {
			s.logger.ErrorContext(ctx, "failed to requeue reservation for expiry sweep",
				slog.String("reservation_id", id),
				slog.String("error", reqErr.Error()),
			)
		}
		return err
	}

	// Queue for abandoned-cart recovery.
	if err := s.store.AddAbandoned(ctx, id); err != nil {
		return err
	}

	if err := s.reservations.producer.PublishReservationAbandoned(ctx, res); err != nil {
		s.logger.WarnContext(ctx, "failed to publish reservation abandoned event",
			slog.String("reservation_id", id),
			slog.String("error", err.Error()),
		)
	}

	return nil
}
