package domain

import "time"

// Order status constants.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
)

// IsValidOrderStatus checks whether the given status is a valid order status.
func IsValidOrderStatus(status string) bool {
	switch status {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCancelled:
		return true
	}
	return false
}

// Order is the durable record created when a reservation is confirmed.
// The order id equals the reservation id it was created from, which is what
// makes confirmation replays detectable.
type Order struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Email           string      `json:"email,omitempty"`
	Status          string      `json:"status"`
	TotalAmount     int64       `json:"total_amount"`
	Currency        string      `json:"currency"`
	PaymentIntentID string      `json:"payment_intent_id,omitempty"`
	Items           []OrderItem `json:"items"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// OrderItem is a price-snapshotted line of an order. Prices are copied from
// the reservation at confirmation time and never re-read from the catalog.
type OrderItem struct {
	ID        int64  `json:"id"`
	OrderID   string `json:"order_id"`
	VariantID int64  `json:"variant_id"`
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}
