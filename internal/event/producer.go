// Package event publishes checkout domain events to Kafka.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/vireshop/checkout/internal/domain"
	pkgkafka "github.com/vireshop/checkout/pkg/kafka"
)

// Kafka topic constants for checkout domain events.
const (
	TopicStockChanged         = "vireshop.inventory.stock_changed"
	TopicCheckoutConfirmed    = "vireshop.checkout.confirmed"
	TopicReservationExpired   = "vireshop.checkout.reservation_expired"
	TopicReservationAbandoned = "vireshop.checkout.reservation_abandoned"
)

// Aggregate type constants.
const (
	AggregateTypeVariant     = "product_variant"
	AggregateTypeReservation = "reservation"
)

// Source identifier for events originating from this service.
const SourceCheckoutService = "checkout-service"

// StockChangedData is the payload for a stock_changed event.
type StockChangedData struct {
	VariantID     int64  `json:"variant_id"`
	ProductID     int64  `json:"product_id"`
	Available     int    `json:"available"`
	ReservedStock int    `json:"reserved_stock"`
	Change        string `json:"change"`
}

// CheckoutConfirmedData is the payload for a checkout confirmed event.
type CheckoutConfirmedData struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	TotalAmount int64  `json:"total_amount"`
	Currency    string `json:"currency"`
	ItemCount   int    `json:"item_count"`
}

// ReservationExpiredData is the payload for a reservation expired event.
type ReservationExpiredData struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
	ItemCount     int    `json:"item_count"`
}

// ReservationAbandonedData is the payload for a reservation abandoned event.
type ReservationAbandonedData struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
	Email         string `json:"email,omitempty"`
	TotalAmount   int64  `json:"total_amount"`
}

// Producer publishes checkout domain events to Kafka. Publishing is
// best-effort from the caller's point of view: the checkout flows log and
// continue when the broker is unavailable.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer for the checkout service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishStockChanged publishes a stock_changed event for a variant.
func (p *Producer) PublishStockChanged(ctx context.Context, variant *domain.ProductVariant, change string) error {
	data := StockChangedData{
		VariantID:     variant.ID,
		ProductID:     variant.ProductID,
		Available:     variant.Available(),
		ReservedStock: variant.ReservedStock,
		Change:        change,
	}

	aggregateID := strconv.FormatInt(variant.ID, 10)
	event, err := pkgkafka.NewEvent(TopicStockChanged, aggregateID, AggregateTypeVariant, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create stock_changed event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicStockChanged, event); err != nil {
		return fmt.Errorf("publish stock_changed event: %w", err)
	}

	p.logger.DebugContext(ctx, "published stock_changed event",
		slog.Int64("variant_id", variant.ID),
		slog.Int("available", variant.Available()),
		slog.String("change", change),
	)

	return nil
}

// PublishCheckoutConfirmed publishes a checkout confirmed event.
func (p *Producer) PublishCheckoutConfirmed(ctx context.Context, order *domain.Order) error {
	data := CheckoutConfirmedData{
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		ItemCount:   len(order.Items),
	}

	event, err := pkgkafka.NewEvent(TopicCheckoutConfirmed, order.ID, AggregateTypeReservation, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create checkout confirmed event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCheckoutConfirmed, event); err != nil {
		return fmt.Errorf("publish checkout confirmed event: %w", err)
	}

	return nil
}

// PublishReservationExpired publishes a reservation expired event.
func (p *Producer) PublishReservationExpired(ctx context.Context, res *domain.Reservation) error {
	data := ReservationExpiredData{
		ReservationID: res.ID,
		UserID:        res.UserID,
		ItemCount:     len(res.Items),
	}

	event, err := pkgkafka.NewEvent(TopicReservationExpired, res.ID, AggregateTypeReservation, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create reservation expired event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicReservationExpired, event); err != nil {
		return fmt.Errorf("publish reservation expired event: %w", err)
	}

	return nil
}

// PublishReservationAbandoned publishes a reservation abandoned event.
func (p *Producer) PublishReservationAbandoned(ctx context.Context, res *domain.Reservation) error {
	data := ReservationAbandonedData{
		ReservationID: res.ID,
		UserID:        res.UserID,
		Email:         res.Email,
		TotalAmount:   res.TotalAmount,
	}

	event, err := pkgkafka.NewEvent(TopicReservationAbandoned, res.ID, AggregateTypeReservation, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create reservation abandoned event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicReservationAbandoned, event); err != nil {
		return fmt.Errorf("publish reservation abandoned event: %w", err)
	}

	return nil
}
