package domain

import (
	"time"
)

// ProductVariant is a purchasable stock-keeping unit of a product.
//
// InitialStock is the total quantity ever stockable for the variant and is
// decremented only on a confirmed sale. ReservedStock counts units currently
// held by unexpired reservations. Both counters are mutated exclusively
// inside a row-locked transaction, which is what keeps
// 0 <= ReservedStock <= InitialStock true under concurrency.
type ProductVariant struct {
	ID             int64     `json:"id"`
	ProductID      int64     `json:"product_id"`
	Price          int64     `json:"price"`
	Currency       string    `json:"currency"`
	InitialStock   int       `json:"initial_stock"`
	ReservedStock  int       `json:"reserved_stock"`
	MaxPerCustomer *int      `json:"max_per_customer,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available returns the quantity currently available for reservation.
func (v *ProductVariant) Available() int {
	return v.InitialStock - v.ReservedStock
}

// Inventory change kinds recorded in the append-only inventory log.
const (
	ChangeReserve        = "reserve"
	ChangeRelease        = "release"
	ChangeReleaseExpired = "release_expired"
	ChangeCheckout       = "checkout_confirmed"
	ChangeManualUpdate   = "manual_update"
)

// ValidChangeKinds returns the set of valid inventory change kinds.
func ValidChangeKinds() []string {
	return []string{ChangeReserve, ChangeRelease, ChangeReleaseExpired, ChangeCheckout, ChangeManualUpdate}
}

// IsValidChangeKind checks whether the given kind is a valid inventory change kind.
func IsValidChangeKind(kind string) bool {
	for _, k := range ValidChangeKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// InventoryLogEntry is an append-only audit record of a stock mutation.
// Entries are never updated or deleted; they are the designed input for
// reconciling stock against reservation state after a partial failure.
type InventoryLogEntry struct {
	ID        int64     `json:"id"`
	VariantID int64     `json:"variant_id"`
	Change    string    `json:"change"`
	Delta     int       `json:"delta"`
	OrderID   *string   `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
