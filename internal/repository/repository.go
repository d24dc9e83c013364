package repository

import (
	"context"
	"net/http"
	"time"

	"github.com/vireshop/checkout/internal/domain"
)

// StockRepository defines persistence operations for product variant stock.
type StockRepository interface {
	// GetVariant retrieves a product variant with its current stock counters.
	GetVariant(ctx context.Context, variantID int64) (*domain.ProductVariant, error)

	// SetStockLevel replaces the initial stock of a variant and records a
	// manual_update log entry, atomically.
	SetStockLevel(ctx context.Context, variantID int64, newInitial int) (*domain.ProductVariant, error)

	// ListInventoryLog returns the audit log for a variant, newest first.
	ListInventoryLog(ctx context.Context, variantID int64, page, perPage int) ([]domain.InventoryLogEntry, int, error)
}

// OrderRepository defines read operations for durable orders. Order rows are
// written inside the confirmation transaction by the service layer.
type OrderRepository interface {
	// GetByID retrieves an order with its items.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// GetStatus returns just the status of an order, or ErrNotFound.
	GetStatus(ctx context.Context, id string) (string, error)

	// LatestEmailByUser returns the most recent order email of a customer,
	// or empty when none is on file.
	LatestEmailByUser(ctx context.Context, userID string) (string, error)
}

// PaymentEventRepository is the durable deduplication ledger for provider
// webhook deliveries.
type PaymentEventRepository interface {
	// Claim atomically records the event id as processing. It returns
	// claimed=false with the existing record when the id was seen before.
	Claim(ctx context.Context, eventID, eventType, reservationID string) (claimed bool, existing *domain.PaymentEventRecord, err error)

	// MarkProcessed finalizes a claimed event as successfully handled.
	MarkProcessed(ctx context.Context, eventID string) error

	// MarkFailed records a handling failure so the delivery can be retried.
	MarkFailed(ctx context.Context, eventID string, handleErr error) error
}

// ReservationStore defines the ephemeral reservation state operations.
type ReservationStore interface {
	// SaveNew writes a fresh reservation: payload, owner pointer and expiry
	// index entry, in a single batch.
	SaveNew(ctx context.Context, res *domain.Reservation) error

	// Get retrieves and validates a reservation payload.
	Get(ctx context.Context, id string) (*domain.Reservation, error)

	// Save rewrites the payload of an existing reservation, preserving the
	// remaining persistence TTL.
	Save(ctx context.Context, res *domain.Reservation) error

	// Delete removes the payload, owner pointer and index entries of a
	// reservation.
	Delete(ctx context.Context, res *domain.Reservation) error

	// SetOwner repoints the owner index when a guest reservation is claimed.
	SetOwner(ctx context.Context, reservationID, oldOwner, newOwner string) error

	// ActiveReservationID returns the reservation id currently held by the
	// owner, or empty when none.
	ActiveReservationID(ctx context.Context, owner string) (string, error)

	// ExpiredBefore lists reservation ids whose logical expiry is at or
	// before the cutoff.
	ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// RemoveFromExpiryIndex drops a reservation from the expiry index. The
	// returned flag reports whether this caller removed the entry: exactly
	// one of several concurrent releasers sees true, which makes the index
	// entry double as the release claim.
	RemoveFromExpiryIndex(ctx context.Context, reservationID string) (bool, error)

	// RequeueExpiry puts a reservation back on the expiry index after a
	// claimed release could not be completed.
	RequeueExpiry(ctx context.Context, reservationID string, expiresAt time.Time) error

	// AddAbandoned marks an expired reservation as a recovery candidate.
	AddAbandoned(ctx context.Context, reservationID string) error

	// AbandonedCandidates lists reservation ids awaiting recovery outreach.
	AbandonedCandidates(ctx context.Context, limit int) ([]string, error)

	// RemoveAbandoned drops a reservation from the recovery candidate set.
	RemoveAbandoned(ctx context.Context, reservationID string) error

	// MarkNotified records that recovery outreach was sent, with a TTL that
	// prevents repeat sends.
	MarkNotified(ctx context.Context, reservationID string, ttl time.Duration) error

	// IsNotified reports whether recovery outreach was already sent.
	IsNotified(ctx context.Context, reservationID string) (bool, error)

	// CreateRecoveryToken stores a single-use recovery token pointing at a
	// reservation id.
	CreateRecoveryToken(ctx context.Context, token, reservationID string, ttl time.Duration) error

	// ConsumeRecoveryToken atomically reads and deletes a recovery token,
	// returning the reservation id it pointed at.
	ConsumeRecoveryToken(ctx context.Context, token string) (string, error)
}

// IdempotencyStore gates side-effecting HTTP operations on a client-supplied
// idempotency key.
type IdempotencyStore interface {
	// Begin claims the key. It returns ok=true when this caller owns the
	// first attempt, otherwise the stored record of the prior attempt (which
	// may still be in flight).
	Begin(ctx context.Context, key string, ttl time.Duration) (ok bool, prior *IdempotencyRecord, err error)

	// Complete stores the response of a finished first attempt for replay.
	Complete(ctx context.Context, key string, status int, header http.Header, body []byte, ttl time.Duration) error

	// Clear releases a claimed key after a failed attempt so the client can
	// retry with the same key.
	Clear(ctx context.Context, key string) error
}

// IdempotencyRecord is the stored outcome of an idempotent request.
type IdempotencyRecord struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	InProgress bool        `json:"in_progress"`
}
