package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vireshop/checkout/internal/domain"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

// Key layout. The payload and owner pointer carry the persistence TTL, which
// outlives the logical expiry so the recovery flow can still read abandoned
// reservations. The expiry index and abandoned set are trimmed explicitly by
// the background sweeps.
const (
	payloadPrefix  = "reservation:"
	ownerPrefix    = "reservation:owner:"
	expiryIndexKey = "reservation:expiry"
	abandonedKey   = "reservation:abandoned"
	notifiedPrefix = "reservation:notified:"
	tokenPrefix    = "recovery:token:"
)

// ReservationStore implements repository.ReservationStore using Redis.
type ReservationStore struct {
	client     *redis.Client
	persistTTL time.Duration
}

// NewReservationStore creates a new Redis-backed reservation store.
// persistTTL bounds how long a reservation payload survives past creation;
// it must comfortably exceed the logical hold duration plus the recovery
// window.
func NewReservationStore(client *redis.Client, persistTTL time.Duration) *ReservationStore {
	return &ReservationStore{
		client:     client,
		persistTTL: persistTTL,
	}
}

// SaveNew writes a fresh reservation: payload, owner pointer and expiry index
// entry in one pipeline, so a reservation is either fully visible or not at
// all.
func (s *ReservationStore) SaveNew(ctx context.Context, res *domain.Reservation) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, payloadPrefix+res.ID, data, s.persistTTL)
	pipe.Set(ctx, ownerPrefix+res.UserID, res.ID, s.persistTTL)
	pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
		Score:  float64(res.ExpiresAt.Unix()),
		Member: res.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save reservation: %w", err)
	}

	return nil
}

// Get retrieves and validates a reservation payload. A payload that fails
// structural validation is surfaced as an error, never partially used.
func (s *ReservationStore) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	data, err := s.client.Get(ctx, payloadPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, apperrors.NotFound("reservation", id)
		}
		return nil, fmt.Errorf("redis get reservation: %w", err)
	}

	var res domain.Reservation
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal reservation %s: %w", id, err)
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt reservation payload: %w", err)
	}

	return &res, nil
}

// Save rewrites the payload of an existing reservation, preserving the
// remaining persistence TTL.
func (s *ReservationStore) Save(ctx context.Context, res *domain.Reservation) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}

	if err := s.client.Set(ctx, payloadPrefix+res.ID, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis update reservation: %w", err)
	}

	return nil
}

// Delete removes the payload, owner pointer and index entries of a
// reservation.
func (s *ReservationStore) Delete(ctx context.Context, res *domain.Reservation) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, payloadPrefix+res.ID)
	pipe.Del(ctx, ownerPrefix+res.UserID)
	pipe.ZRem(ctx, expiryIndexKey, res.ID)
	pipe.SRem(ctx, abandonedKey, res.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete reservation: %w", err)
	}

	return nil
}

// SetOwner repoints the owner index when a guest reservation is claimed by an
// authenticated user.
func (s *ReservationStore) SetOwner(ctx context.Context, reservationID, oldOwner, newOwner string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ownerPrefix+oldOwner)
	pipe.Set(ctx, ownerPrefix+newOwner, reservationID, s.persistTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set reservation owner: %w", err)
	}

	return nil
}

// ActiveReservationID returns the reservation id currently held by the owner,
// or empty when none.
func (s *ReservationStore) ActiveReservationID(ctx context.Context, owner string) (string, error) {
	id, err := s.client.Get(ctx, ownerPrefix+owner).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("redis get reservation owner: %w", err)
	}
	return id, nil
}

// ExpiredBefore lists reservation ids whose logical expiry is at or before
// the cutoff, oldest first.
func (s *ReservationStore) ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range expiry index: %w", err)
	}
	return ids, nil
}

// RemoveFromExpiryIndex drops a reservation from the expiry index. ZREM
// removes atomically, so when the sweeper and a cancellation race, exactly
// one of them sees removed=true and owns the stock release.
func (s *ReservationStore) RemoveFromExpiryIndex(ctx context.Context, reservationID string) (bool, error) {
	n, err := s.client.ZRem(ctx, expiryIndexKey, reservationID).Result()
	if err != nil {
		return false, fmt.Errorf("redis remove from expiry index: %w", err)
	}
	return n > 0, nil
}

// RequeueExpiry puts a reservation back on the expiry index after a claimed
// release could not be completed.
func (s *ReservationStore) RequeueExpiry(ctx context.Context, reservationID string, expiresAt time.Time) error {
	err := s.client.ZAdd(ctx, expiryIndexKey, redis.Z{
		Score:  float64(expiresAt.Unix()),
		Member: reservationID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis requeue expiry: %w", err)
	}
	return nil
}

// AddAbandoned marks an expired reservation as a recovery candidate.
func (s *ReservationStore) AddAbandoned(ctx context.Context, reservationID string) error {
	if err := s.client.SAdd(ctx, abandonedKey, reservationID).Err(); err != nil {
		return fmt.Errorf("redis add abandoned: %w", err)
	}
	return nil
}

// AbandonedCandidates lists reservation ids awaiting recovery outreach.
func (s *ReservationStore) AbandonedCandidates(ctx context.Context, limit int) ([]string, error) {
	ids, err := s.client.SRandMemberN(ctx, abandonedKey, int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list abandoned: %w", err)
	}
	return ids, nil
}

// RemoveAbandoned drops a reservation from the recovery candidate set.
func (s *ReservationStore) RemoveAbandoned(ctx context.Context, reservationID string) error {
	if err := s.client.SRem(ctx, abandonedKey, reservationID).Err(); err != nil {
		return fmt.Errorf("redis remove abandoned: %w", err)
	}
	return nil
}

// MarkNotified records that recovery outreach was sent. The TTL doubles as
// the repeat-send suppression window.
func (s *ReservationStore) MarkNotified(ctx context.Context, reservationID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, notifiedPrefix+reservationID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis mark notified: %w", err)
	}
	return nil
}

// IsNotified reports whether recovery outreach was already sent.
func (s *ReservationStore) IsNotified(ctx context.Context, reservationID string) (bool, error) {
	n, err := s.client.Exists(ctx, notifiedPrefix+reservationID).Result()
	if err != nil {
		return false, fmt.Errorf("redis check notified: %w", err)
	}
	return n > 0, nil
}

// CreateRecoveryToken stores a single-use recovery token pointing at a
// reservation id.
func (s *ReservationStore) CreateRecoveryToken(ctx context.Context, token, reservationID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, tokenPrefix+token, reservationID, ttl).Err(); err != nil {
		return fmt.Errorf("redis create recovery token: %w", err)
	}
	return nil
}

// ConsumeRecoveryToken atomically reads and deletes a recovery token. GETDEL
// guarantees single use even under concurrent redemption attempts.
func (s *ReservationStore) ConsumeRecoveryToken(ctx context.Context, token string) (string, error) {
	id, err := s.client.GetDel(ctx, tokenPrefix+token).Result()
	if err != nil {
		if err == redis.Nil {
			return "", apperrors.NotFound("recovery token", token)
		}
		return "", fmt.Errorf("redis consume recovery token: %w", err)
	}
	return id, nil
}
