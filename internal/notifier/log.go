package notifier

import (
	"context"
	"log/slog"
)

// LogSender writes recovery messages to the log instead of sending them.
// Used in local development and as the default when no mail transport is
// configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed recovery sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// SendRecovery logs the message and reports success.
func (s *LogSender) SendRecovery(ctx context.Context, msg RecoveryMessage) error {
	s.logger.InfoContext(ctx, "recovery message",
		slog.String("email", msg.Email),
		slog.String("reservation_id", msg.ReservationID),
		slog.Int64("total_amount", msg.TotalAmount),
		slog.String("currency", msg.Currency),
		slog.String("recovery_url", msg.RecoveryURL),
	)
	return nil
}
