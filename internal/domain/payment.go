package domain

import "time"

// Payment event types delivered by the payment provider webhook.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
)

// Payment intent statuses as reported by the provider.
const (
	IntentStatusRequiresPayment = "requires_payment_method"
	IntentStatusProcessing      = "processing"
	IntentStatusSucceeded       = "succeeded"
	IntentStatusCanceled        = "canceled"
)

// Processing states of a payment event in the durable ledger.
const (
	PaymentEventProcessing = "processing"
	PaymentEventProcessed  = "processed"
	PaymentEventFailed     = "failed"
)

// PaymentEvent is the wire shape of a provider webhook delivery.
type PaymentEvent struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data PaymentEventData `json:"data"`
}

// PaymentEventData carries the payment intent details of a webhook event.
type PaymentEventData struct {
	PaymentIntentID string               `json:"payment_intent_id"`
	ReceiptEmail    string               `json:"receipt_email,omitempty"`
	Metadata        PaymentEventMetadata `json:"metadata"`
}

// PaymentEventMetadata echoes back the identifiers attached when the intent
// was created.
type PaymentEventMetadata struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
}

// PaymentEventRecord is the durable ledger row for one provider event id.
// The ledger is the deduplication boundary for webhook deliveries: an event
// id is claimed exactly once, and redeliveries of a processed event are
// acknowledged without side effects.
type PaymentEventRecord struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	ReservationID string    `json:"reservation_id"`
	Status        string    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
