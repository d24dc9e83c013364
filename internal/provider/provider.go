// Package provider abstracts the external payment provider.
package provider

import "context"

// Intent is the provider-side payment intent for a reservation.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// IntentRequest carries everything the provider needs to create an intent.
type IntentRequest struct {
	Amount        int64
	Currency      string
	ReceiptEmail  string
	ReservationID string
	UserID        string
}

// PaymentProvider is the payment gateway surface the checkout flow depends
// on. Amounts are in minor currency units.
type PaymentProvider interface {
	// CreateIntent registers a payment intent with the provider. The
	// reservation and user ids travel in the intent metadata and come back
	// in webhook events.
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)

	// GetIntent fetches the current provider-side state of an intent.
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
}
