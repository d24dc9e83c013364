package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reservation status constants.
const (
	ReservationStatusActive    = "active"
	ReservationStatusConfirmed = "confirmed"
	ReservationStatusCancelled = "cancelled"
	ReservationStatusExpired   = "expired"
)

// guestPrefix marks synthetic owner ids issued to unauthenticated checkout
// sessions. A guest-owned reservation may later be claimed by an
// authenticated user (one-way transition).
const guestPrefix = "guest_"

// NewGuestID mints a synthetic owner id for an unauthenticated session.
func NewGuestID() string {
	return guestPrefix + uuid.New().String()
}

// IsGuestID reports whether the owner id is a synthetic guest identity.
func IsGuestID(userID string) bool {
	return strings.HasPrefix(userID, guestPrefix)
}

// ReservationItem is a single line of a reservation.
type ReservationItem struct {
	VariantID int64 `json:"variant_id"`
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
	LineTotal int64 `json:"line_total"`
}

// Reservation is a time-boxed, tentative hold on stock pending payment.
//
// ExpiresAt is the logical expiry: the moment the hold must be released if
// unconfirmed. The ephemeral store keeps the payload around well past
// ExpiresAt (the persistence TTL) so the abandoned-cart recovery flow can
// still read it.
type Reservation struct {
	ID                  string            `json:"id"`
	UserID              string            `json:"user_id"`
	Email               string            `json:"email,omitempty"`
	Items               []ReservationItem `json:"items"`
	TotalAmount         int64             `json:"total_amount"`
	Currency            string            `json:"currency"`
	PaymentIntentID     string            `json:"payment_intent_id,omitempty"`
	PaymentClientSecret string            `json:"payment_client_secret,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
}

// IsGuestOwned reports whether the reservation belongs to a guest identity.
func (r *Reservation) IsGuestOwned() bool {
	return IsGuestID(r.UserID)
}

// IsExpired reports whether the logical expiry has passed.
func (r *Reservation) IsExpired() bool {
	return time.Now().UTC().After(r.ExpiresAt)
}

// CalculateTotal computes the sum of line totals.
func (r *Reservation) CalculateTotal() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.LineTotal
	}
	return total
}

// Validate checks the structural invariants of a reservation payload.
// It is applied at the ephemeral-store read boundary: a stored payload that
// fails validation is treated as data corruption, never silently defaulted.
func (r *Reservation) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("reservation payload: missing id")
	}
	if r.UserID == "" {
		return fmt.Errorf("reservation payload %s: missing user id", r.ID)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("reservation payload %s: no items", r.ID)
	}
	for i, item := range r.Items {
		if item.VariantID <= 0 {
			return fmt.Errorf("reservation payload %s: item %d: invalid variant id %d", r.ID, i, item.VariantID)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("reservation payload %s: item %d: invalid quantity %d", r.ID, i, item.Quantity)
		}
		if item.LineTotal != item.UnitPrice*int64(item.Quantity) {
			return fmt.Errorf("reservation payload %s: item %d: line total mismatch", r.ID, i)
		}
	}
	if r.TotalAmount != r.CalculateTotal() {
		return fmt.Errorf("reservation payload %s: total does not match line totals", r.ID)
	}
	if r.ExpiresAt.IsZero() {
		return fmt.Errorf("reservation payload %s: missing expiry", r.ID)
	}
	return nil
}

// ReservationStatus is the read-only status view returned to clients.
// An absent payload is reported as expired: callers cannot distinguish
// "never existed" from "expired and evicted".
type ReservationStatus struct {
	ReservationID string    `json:"reservation_id"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	TotalAmount   int64     `json:"total_amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
}
