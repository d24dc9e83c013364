// Package notifier delivers abandoned-cart recovery messages to shoppers.
package notifier

import "context"

// RecoveryMessage is an abandoned-cart outreach message. RecoveryURL embeds
// the single-use token that restores the cart.
type RecoveryMessage struct {
	Email         string
	ReservationID string
	TotalAmount   int64
	Currency      string
	RecoveryURL   string
}

// Sender delivers recovery messages. Implementations must be safe for
// concurrent use.
type Sender interface {
	SendRecovery(ctx context.Context, msg RecoveryMessage) error
}
