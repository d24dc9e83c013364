package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/internal/event"
	"github.com/vireshop/checkout/internal/provider"
	"github.com/vireshop/checkout/internal/repository"
	"github.com/vireshop/checkout/pkg/database"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

const (
	// defaultHoldTTL is how long reserved stock is held pending payment.
	defaultHoldTTL = 10 * time.Minute

	// lockTimeout bounds how long a reservation transaction waits on a
	// contended variant row before giving up. Keeping it short means a hot
	// drop degrades into fast 409s instead of a convoy of stuck requests.
	lockTimeout = "3s"
)

// ReservationService implements the checkout reservation flows.
//
// Stock counters live in PostgreSQL and are only ever touched inside
// row-locked transactions. Reservation payloads live in Redis. The ordering
// rule for every flow is: durable stock mutation first, ephemeral state
// second, with a compensating stock release when the second step fails.
type ReservationService struct {
	pool      database.DBTX
	store     repository.ReservationStore
	orderRepo repository.OrderRepository
	provider  provider.PaymentProvider
	producer  *event.Producer
	logger    *slog.Logger
	holdTTL   time.Duration
}

// NewReservationService creates a new reservation service. holdTTL <= 0
// falls back to the default hold duration.
func NewReservationService(
	pool database.DBTX,
	store repository.ReservationStore,
	orderRepo repository.OrderRepository,
	paymentProvider provider.PaymentProvider,
	producer *event.Producer,
	logger *slog.Logger,
	holdTTL time.Duration,
) *ReservationService {
	if holdTTL <= 0 {
		holdTTL = defaultHoldTTL
	}
	return &ReservationService{
		pool:      pool,
		store:     store,
		orderRepo: orderRepo,
		provider:  paymentProvider,
		producer:  producer,
		logger:    logger,
		holdTTL:   holdTTL,
	}
}

// ReserveInput holds the parameters for creating a reservation.
type ReserveInput struct {
	Items []ReserveItemInput `json:"items" validate:"required,min=1,dive"`
	Email string             `json:"email,omitempty" validate:"omitempty,email"`
}

// ReserveItemInput is a single requested line.
type ReserveItemInput struct {
	VariantID int64 `json:"variant_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

// Reserve atomically holds stock for every requested line and stores the
// reservation payload. The hold is all-or-nothing: if any line cannot be
// satisfied, no stock is held.
//
// An empty userID creates a guest-owned reservation.
func (s *ReservationService) Reserve(ctx context.Context, userID string, input *ReserveInput) (*domain.Reservation, error) {
	if input == nil || len(input.Items) == 0 {
		return nil, apperrors.InvalidInput("at least one item is required")
	}

	seen := make(map[int64]bool, len(input.Items))
	for i, item := range input.Items {
		if item.VariantID <= 0 {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: variant_id is required", i))
		}
		if item.Quantity <= 0 {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: quantity must be positive", i))
		}
		if seen[item.VariantID] {
			return nil, apperrors.InvalidInput(fmt.Sprintf("duplicate variant %d in request", item.VariantID))
		}
		seen[item.VariantID] = true
	}

	guest := userID == ""
	if guest {
		userID = domain.NewGuestID()
	}

	if activeID, err := s.activeReservation(ctx, userID); err != nil {
		return nil, err
	} else if activeID != "" {
		return nil, apperrors.Conflict(fmt.Sprintf("an active reservation %s already exists for this customer", activeID))
	}

	// Variant rows are always locked in ascending id order so concurrent
	// multi-line reservations cannot deadlock each other.
	items := make([]ReserveItemInput, len(input.Items))
	copy(items, input.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].VariantID < items[j].VariantID })

	reservationID := uuid.New().String()
	now := time.Now().UTC()
	expiresAt := now.Add(s.holdTTL)

	res := &domain.Reservation{
		ID:        reservationID,
		UserID:    userID,
		Email:     input.Email,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	variants, err := s.holdStock(ctx, userID, guest, reservationID, items, res)
	if err != nil {
		return nil, err
	}

	// The durable hold is committed. Everything past this point must either
	// make the reservation visible or put the stock back.
	if err := s.store.SaveNew(ctx, res); err != nil {
		s.logger.ErrorContext(ctx, "reservation store write failed after stock hold, releasing",
			slog.String("reservation_id", reservationID),
			slog.String("error", err.Error()),
		)
		if relErr := s.releaseHold(ctx, res, domain.ChangeRelease); relErr != nil {
			// Stock is now held without a reservation; the inventory log has
			// the reserve entries for reconciliation.
			s.logger.ErrorContext(ctx, "compensating release failed",
				slog.String("reservation_id", reservationID),
				slog.String("error", relErr.Error()),
			)
		}
		return nil, fmt.Errorf("store reservation: %w", err)
	}

	for _, v := range variants {
		s.broadcastStock(ctx, v, domain.ChangeReserve)
	}

	s.logger.InfoContext(ctx, "reservation created",
		slog.String("reservation_id", reservationID),
		slog.String("user_id", userID),
		slog.Bool("guest", guest),
		slog.Int("item_count", len(res.Items)),
		slog.Int64("total_amount", res.TotalAmount),
		slog.Time("expires_at", expiresAt),
	)

	return res, nil
}

// holdStock runs the reservation transaction: lock each variant row, verify
// availability and per-customer limits, bump reserved counters and write the
// audit log. It fills in res.Items, Currency and TotalAmount from the locked
// rows, and returns the post-hold variant states for event publishing.
func (s *ReservationService) holdStock(ctx context.Context, userID string, guest bool, reservationID string, items []ReserveItemInput, res *domain.Reservation) ([]*domain.ProductVariant, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin reservation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	variants := make([]*domain.ProductVariant, 0, len(items))

	// Per-customer limits apply per product, so lines for sibling variants
	// of the same product count against one budget.
	requestedPerProduct := make(map[int64]int, len(items))

	for _, item := range items {
		var v domain.ProductVariant
		lockQuery := `
			SELECT id, product_id, price, currency, initial_stock, reserved_stock, max_per_customer, updated_at
			FROM product_variants
			WHERE id = $1
			FOR UPDATE`

		err := tx.QueryRow(ctx, lockQuery, item.VariantID).Scan(
			&v.ID,
			&v.ProductID,
			&v.Price,
			&v.Currency,
			&v.InitialStock,
			&v.ReservedStock,
			&v.MaxPerCustomer,
			&v.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperrors.NotFound("variant", fmt.Sprintf("%d", item.VariantID))
			}
			return nil, fmt.Errorf("lock variant %d: %w", item.VariantID, err)
		}

		if v.Available() < item.Quantity {
			return nil, apperrors.InsufficientStock(fmt.Sprintf(
				"variant %d: requested %d, available %d", item.VariantID, item.Quantity, v.Available()))
		}

		if v.MaxPerCustomer != nil {
			limit := *v.MaxPerCustomer
			purchased := 0
			// Guest identities are single-session, so only the current
			// request counts against the limit. Cancelled orders gave their
			// units back and do not count.
			if !guest {
				purchasedQuery := `
					SELECT COALESCE(SUM(oi.quantity), 0)
					FROM order_items oi
					JOIN orders o ON o.id = oi.order_id
					WHERE o.user_id = $1 AND oi.product_id = $2 AND o.status <> $3`

				if err := tx.QueryRow(ctx, purchasedQuery, userID, v.ProductID, domain.OrderStatusCancelled).Scan(&purchased); err != nil {
					return nil, fmt.Errorf("count prior purchases for product %d: %w", v.ProductID, err)
				}
			}
			if purchased+requestedPerProduct[v.ProductID]+item.Quantity > limit {
				return nil, apperrors.MaxPerCustomerExceeded(fmt.Sprintf(
					"product %d: limit %d per customer, already purchased %d, requested %d",
					v.ProductID, limit, purchased, requestedPerProduct[v.ProductID]+item.Quantity))
			}
		}
		requestedPerProduct[v.ProductID] += item.Quantity

		updateQuery := `
			UPDATE product_variants
			SET reserved_stock = reserved_stock + $1, updated_at = NOW()
			WHERE id = $2`

		if _, err := tx.Exec(ctx, updateQuery, item.Quantity, item.VariantID); err != nil {
			return nil, fmt.Errorf("hold stock for variant %d: %w", item.VariantID, err)
		}

		logQuery := `
			INSERT INTO inventory_log (variant_id, change, delta)
			VALUES ($1, $2, $3)`

		if _, err := tx.Exec(ctx, logQuery, item.VariantID, domain.ChangeReserve, item.Quantity); err != nil {
			return nil, fmt.Errorf("log stock hold for variant %d: %w", item.VariantID, err)
		}

		v.ReservedStock += item.Quantity
		variants = append(variants, &v)

		res.Items = append(res.Items, domain.ReservationItem{
			VariantID: v.ID,
			ProductID: v.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: v.Price,
			LineTotal: v.Price * int64(item.Quantity),
		})
		if res.Currency == "" {
			res.Currency = v.Currency
		} else if res.Currency != v.Currency {
			return nil, apperrors.InvalidInput(fmt.Sprintf(
				"variant %d currency %s does not match reservation currency %s", v.ID, v.Currency, res.Currency))
		}
	}

	res.TotalAmount = res.CalculateTotal()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reservation transaction: %w", err)
	}

	return variants, nil
}

// Get retrieves a reservation payload.
func (s *ReservationService) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	res, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ReservationExpired(id)
		}
		return nil, err
	}
	return res, nil
}

// GetStatus reports the lifecycle state of a reservation. The durable order
// record wins over the ephemeral payload, so a confirmed checkout is reported
// as confirmed even after its payload is gone. An unknown id is reported as
// expired: the caller cannot distinguish "never existed" from "evicted".
func (s *ReservationService) GetStatus(ctx context.Context, id string) (*domain.ReservationStatus, error) {
	orderStatus, err := s.orderRepo.GetStatus(ctx, id)
	if err == nil {
		status := domain.ReservationStatusConfirmed
		if orderStatus == domain.OrderStatusCancelled {
			status = domain.ReservationStatusCancelled
		}
		return &domain.ReservationStatus{ReservationID: id, Status: status}, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("check order status: %w", err)
	}

	res, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return &domain.ReservationStatus{ReservationID: id, Status: domain.ReservationStatusExpired}, nil
		}
		return nil, err
	}

	status := domain.ReservationStatusActive
	if res.IsExpired() {
		status = domain.ReservationStatusExpired
	}

	return &domain.ReservationStatus{
		ReservationID: id,
		Status:        status,
		ExpiresAt:     res.ExpiresAt,
		TotalAmount:   res.TotalAmount,
		Currency:      res.Currency,
	}, nil
}

// CreatePaymentIntent registers a payment intent for the reservation. The
// call is idempotent: an existing intent is returned unchanged. A guest
// reservation is claimed by the calling user on first intent creation.
func (s *ReservationService) CreatePaymentIntent(ctx context.Context, userID, reservationID, email string) (*domain.Reservation, error) {
	res, err := s.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	if err := s.authorizeOwner(res, userID); err != nil {
		return nil, err
	}

	if res.IsExpired() {
		return nil, apperrors.ReservationExpired(reservationID)
	}

	// Claim a guest reservation for the authenticated caller before anything
	// else, so a replay after the intent exists still transfers ownership.
	// One-way: a claimed reservation never reverts to guest ownership.
	claimed := false
	if userID != "" && res.IsGuestOwned() {
		oldOwner := res.UserID
		if err := s.store.SetOwner(ctx, res.ID, oldOwner, userID); err != nil {
			return nil, fmt.Errorf("claim guest reservation: %w", err)
		}
		res.UserID = userID
		claimed = true
	}

	if email != "" {
		res.Email = email
	}

	if res.PaymentIntentID != "" {
		if claimed {
			if err := s.store.Save(ctx, res); err != nil {
				return nil, fmt.Errorf("store claimed reservation: %w", err)
			}
		}
		return res, nil
	}

	intent, err := s.provider.CreateIntent(ctx, provider.IntentRequest{
		Amount:        res.TotalAmount,
		Currency:      res.Currency,
		ReceiptEmail:  res.Email,
		ReservationID: res.ID,
		UserID:        res.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	res.PaymentIntentID = intent.ID
	res.PaymentClientSecret = intent.ClientSecret

	if err := s.store.Save(ctx, res); err != nil {
		return nil, fmt.Errorf("store payment intent on reservation: %w", err)
	}

	s.logger.InfoContext(ctx, "payment intent created",
		slog.String("reservation_id", res.ID),
		slog.String("payment_intent_id", intent.ID),
		slog.Int64("amount", res.TotalAmount),
	)

	return res, nil
}

// Confirm finalizes a reservation into a paid order: stock moves from
// reserved to sold, an order row is written and the payload is removed.
// Replays return the existing order. A reservation whose payment intent is
// not in the succeeded state is cancelled and the call fails with a payment
// error.
func (s *ReservationService) Confirm(ctx context.Context, userID, reservationID string) (*domain.Order, error) {
	return s.confirm(ctx, userID, reservationID, true)
}

// confirmFromEvent finalizes a reservation on behalf of a verified provider
// event. Events carry no caller identity to authorize; only this path may
// bypass the ownership check.
func (s *ReservationService) confirmFromEvent(ctx context.Context, reservationID string) (*domain.Order, error) {
	return s.confirm(ctx, "", reservationID, false)
}

func (s *ReservationService) confirm(ctx context.Context, userID, reservationID string, enforceOwner bool) (*domain.Order, error) {
	res, err := s.store.Get(ctx, reservationID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// The payload may be gone because a concurrent confirmation
			// already finished; replay the order if so.
			if order, orderErr := s.orderRepo.GetByID(ctx, reservationID); orderErr == nil {
				if enforceOwner && !domain.IsGuestID(order.UserID) && order.UserID != userID {
					return nil, apperrors.Forbidden("order belongs to another customer")
				}
				return order, nil
			}
			return nil, apperrors.ReservationExpired(reservationID)
		}
		return nil, err
	}

	if enforceOwner {
		if err := s.authorizeOwner(res, userID); err != nil {
			return nil, err
		}
	}

	if res.IsExpired() {
		return nil, apperrors.ReservationExpired(reservationID)
	}

	if res.PaymentIntentID == "" {
		return nil, apperrors.InvalidInput("reservation has no payment intent")
	}

	intent, err := s.provider.GetIntent(ctx, res.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("verify payment intent: %w", err)
	}
	if intent.Status != domain.IntentStatusSucceeded {
		// The payment did not go through: release the hold so the stock goes
		// back on sale, then tell the client to start over.
		if relErr := s.release(ctx, res, domain.ChangeRelease); relErr != nil {
			s.logger.ErrorContext(ctx, "release after failed payment failed",
				slog.String("reservation_id", res.ID),
				slog.String("error", relErr.Error()),
			)
		}
		return nil, apperrors.PaymentFailed(fmt.Sprintf(
			"payment intent %s is %s", res.PaymentIntentID, intent.Status))
	}

	order, variants, err := s.commitOrder(ctx, res)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, res); err != nil {
		// The order is durable; a stale payload only costs storage until its
		// TTL. Log and move on.
		s.logger.ErrorContext(ctx, "failed to delete confirmed reservation payload",
			slog.String("reservation_id", res.ID),
			slog.String("error", err.Error()),
		)
	}

	for _, v := range variants {
		s.broadcastStock(ctx, v, domain.ChangeCheckout)
	}
	if err := s.producer.PublishCheckoutConfirmed(ctx, order); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish checkout confirmed event",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "checkout confirmed",
		slog.String("order_id", order.ID),
		slog.String("user_id", order.UserID),
		slog.Int64("total_amount", order.TotalAmount),
	)

	return order, nil
}

// commitOrder runs the confirmation transaction: lock variants in ascending
// id order, move held units from reserved to sold, write the order with its
// price-snapshotted items and the audit log. The order id equals the
// reservation id; a conflict on it means another confirmation won the race,
// in which case the existing order is returned.
func (s *ReservationService) commitOrder(ctx context.Context, res *domain.Reservation) (*domain.Order, []*domain.ProductVariant, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin confirm transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return nil, nil, fmt.Errorf("set lock timeout: %w", err)
	}

	now := time.Now().UTC()
	orderQuery := `
		INSERT INTO orders (id, user_id, email, status, total_amount, currency, payment_intent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING`

	ct, err := tx.Exec(ctx, orderQuery,
		res.ID,
		res.UserID,
		res.Email,
		domain.OrderStatusPaid,
		res.TotalAmount,
		res.Currency,
		res.PaymentIntentID,
		now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Another confirmation (user call racing the webhook) already wrote
		// this order. Roll back our stock mutation attempt and replay.
		_ = tx.Rollback(ctx)
		order, getErr := s.orderRepo.GetByID(ctx, res.ID)
		if getErr != nil {
			return nil, nil, fmt.Errorf("load order after confirm race: %w", getErr)
		}
		return order, nil, nil
	}

	items := sortedItems(res.Items)
	variants := make([]*domain.ProductVariant, 0, len(items))

	for _, item := range items {
		var v domain.ProductVariant
		lockQuery := `
			SELECT id, product_id, initial_stock, reserved_stock
			FROM product_variants
			WHERE id = $1
			FOR UPDATE`

		if err := tx.QueryRow(ctx, lockQuery, item.VariantID).Scan(&v.ID, &v.ProductID, &v.InitialStock, &v.ReservedStock); err != nil {
			return nil, nil, fmt.Errorf("lock variant %d for confirm: %w", item.VariantID, err)
		}

		updateQuery := `
			UPDATE product_variants
			SET initial_stock = initial_stock - $1, reserved_stock = reserved_stock - $1, updated_at = NOW()
			WHERE id = $2`

		if _, err := tx.Exec(ctx, updateQuery, item.Quantity, item.VariantID); err != nil {
			return nil, nil, fmt.Errorf("deduct stock for variant %d: %w", item.VariantID, err)
		}

		itemQuery := `
			INSERT INTO order_items (order_id, variant_id, product_id, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6)`

		if _, err := tx.Exec(ctx, itemQuery, res.ID, item.VariantID, item.ProductID, item.Quantity, item.UnitPrice, item.LineTotal); err != nil {
			return nil, nil, fmt.Errorf("insert order item for variant %d: %w", item.VariantID, err)
		}

		logQuery := `
			INSERT INTO inventory_log (variant_id, change, delta, order_id)
			VALUES ($1, $2, $3, $4)`

		if _, err := tx.Exec(ctx, logQuery, item.VariantID, domain.ChangeCheckout, -item.Quantity, res.ID); err != nil {
			return nil, nil, fmt.Errorf("log stock deduction for variant %d: %w", item.VariantID, err)
		}

		v.InitialStock -= item.Quantity
		v.ReservedStock -= item.Quantity
		variants = append(variants, &v)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit confirm transaction: %w", err)
	}

	order := &domain.Order{
		ID:              res.ID,
		UserID:          res.UserID,
		Email:           res.Email,
		Status:          domain.OrderStatusPaid,
		TotalAmount:     res.TotalAmount,
		Currency:        res.Currency,
		PaymentIntentID: res.PaymentIntentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, item := range items {
		order.Items = append(order.Items, domain.OrderItem{
			OrderID:   res.ID,
			VariantID: item.VariantID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		})
	}

	return order, variants, nil
}

// Cancel releases the hold of a reservation and removes its payload. The
// call is idempotent: cancelling an unknown or already-cancelled reservation
// succeeds without side effects.
func (s *ReservationService) Cancel(ctx context.Context, userID, reservationID string) error {
	return s.cancel(ctx, userID, reservationID, true)
}

// cancelFromEvent releases a reservation on behalf of a verified provider
// event, which carries no caller identity to authorize.
func (s *ReservationService) cancelFromEvent(ctx context.Context, reservationID string) error {
	return s.cancel(ctx, "", reservationID, false)
}

func (s *ReservationService) cancel(ctx context.Context, userID, reservationID string, enforceOwner bool) error {
	res, err := s.store.Get(ctx, reservationID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	if enforceOwner {
		if err := s.authorizeOwner(res, userID); err != nil {
			return err
		}
	}

	if err := s.release(ctx, res, domain.ChangeRelease); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "reservation cancelled",
		slog.String("reservation_id", reservationID),
		slog.String("user_id", res.UserID),
	)

	return nil
}

// CancelPaidOrder compensates a paid order whose payment later failed or was
// disputed: the order flips to cancelled and the sold units go back into
// initial_stock. Returns ErrNotFound when no order exists for the id; a
// no-op when the order is already cancelled.
func (s *ReservationService) CancelPaidOrder(ctx context.Context, orderID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin order cancellation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	var status string
	statusQuery := `
		SELECT status
		FROM orders
		WHERE id = $1
		FOR UPDATE`

	if err := tx.QueryRow(ctx, statusQuery, orderID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("order", orderID)
		}
		return fmt.Errorf("lock order %s: %w", orderID, err)
	}
	if status == domain.OrderStatusCancelled {
		return nil
	}

	updateOrderQuery := `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2`

	if _, err := tx.Exec(ctx, updateOrderQuery, domain.OrderStatusCancelled, orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	itemsQuery := `
		SELECT variant_id, product_id, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY variant_id`

	rows, err := tx.Query(ctx, itemsQuery, orderID)
	if err != nil {
		return fmt.Errorf("load items of order %s: %w", orderID, err)
	}

	type restockItem struct {
		variantID int64
		productID int64
		quantity  int
	}
	var items []restockItem
	for rows.Next() {
		var it restockItem
		if err := rows.Scan(&it.variantID, &it.productID, &it.quantity); err != nil {
			rows.Close()
			return fmt.Errorf("scan item of order %s: %w", orderID, err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate items of order %s: %w", orderID, err)
	}

	variants := make([]*domain.ProductVariant, 0, len(items))
	for _, it := range items {
		var v domain.ProductVariant
		lockQuery := `
			SELECT id, product_id, initial_stock, reserved_stock
			FROM product_variants
			WHERE id = $1
			FOR UPDATE`

		if err := tx.QueryRow(ctx, lockQuery, it.variantID).Scan(&v.ID, &v.ProductID, &v.InitialStock, &v.ReservedStock); err != nil {
			return fmt.Errorf("lock variant %d for restock: %w", it.variantID, err)
		}

		updateQuery := `
			UPDATE product_variants
			SET initial_stock = initial_stock + $1, updated_at = NOW()
			WHERE id = $2`

		if _, err := tx.Exec(ctx, updateQuery, it.quantity, it.variantID); err != nil {
			return fmt.Errorf("restock variant %d: %w", it.variantID, err)
		}

		logQuery := `
			INSERT INTO inventory_log (variant_id, change, delta, order_id)
			VALUES ($1, $2, $3, $4)`

		if _, err := tx.Exec(ctx, logQuery, it.variantID, domain.ChangeManualUpdate, it.quantity, orderID); err != nil {
			return fmt.Errorf("log restock for variant %d: %w", it.variantID, err)
		}

		v.InitialStock += it.quantity
		variants = append(variants, &v)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit order cancellation transaction: %w", err)
	}

	for _, v := range variants {
		s.broadcastStock(ctx, v, domain.ChangeManualUpdate)
	}

	s.logger.InfoContext(ctx, "paid order cancelled and restocked",
		slog.String("order_id", orderID),
		slog.Int("item_count", len(items)),
	)

	return nil
}

// release puts the held units of a reservation back on sale and deletes the
// payload. Used by cancellation and by failed-payment handling.
//
// The expiry index entry doubles as the release claim: whoever removes it
// owns the stock release. When the sweeper got there first the hold is
// already released, so only the payload is dropped.
func (s *ReservationService) release(ctx context.Context, res *domain.Reservation, changeKind string) error {
	claimed, err := s.store.RemoveFromExpiryIndex(ctx, res.ID)
	if err != nil {
		return err
	}
	if !claimed {
		if err := s.store.Delete(ctx, res); err != nil {
			return fmt.Errorf("delete released reservation: %w", err)
		}
		return nil
	}

	variants, err := s.releaseHoldVariants(ctx, res, changeKind)
	if err != nil {
		// Give the claim back so the sweeper releases the hold later.
		if reqErr := s.store.RequeueExpiry(ctx, res.ID, res.ExpiresAt); reqErr != nil {
			s.logger.ErrorContext(ctx, "failed to requeue reservation for expiry sweep",
				slog.String("reservation_id", res.ID),
				slog.String("error", reqErr.Error()),
			)
		}
		return err
	}

	if err := s.store.Delete(ctx, res); err != nil {
		return fmt.Errorf("delete released reservation: %w", err)
	}

	for _, v := range variants {
		s.broadcastStock(ctx, v, changeKind)
	}

	return nil
}

// releaseHold reverses a stock hold without touching the payload. Used as
// the compensating action when the payload write fails.
func (s *ReservationService) releaseHold(ctx context.Context, res *domain.Reservation, changeKind string) error {
	_, err := s.releaseHoldVariants(ctx, res, changeKind)
	return err
}

// ReleaseExpired reverses the stock hold of a logically expired reservation
// while keeping its payload for the recovery flow. Called by the expiration
// sweeper.
func (s *ReservationService) ReleaseExpired(ctx context.Context, res *domain.Reservation) error {
	variants, err := s.releaseHoldVariants(ctx, res, domain.ChangeReleaseExpired)
	if err != nil {
		return err
	}

	for _, v := range variants {
		s.broadcastStock(ctx, v, domain.ChangeReleaseExpired)
	}

	if err := s.producer.PublishReservationExpired(ctx, res); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish reservation expired event",
			slog.String("reservation_id", res.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func (s *ReservationService) releaseHoldVariants(ctx context.Context, res *domain.Reservation, changeKind string) ([]*domain.ProductVariant, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin release transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	items := sortedItems(res.Items)
	variants := make([]*domain.ProductVariant, 0, len(items))

	for _, item := range items {
		var v domain.ProductVariant
		lockQuery := `
			SELECT id, product_id, initial_stock, reserved_stock
			FROM product_variants
			WHERE id = $1
			FOR UPDATE`

		if err := tx.QueryRow(ctx, lockQuery, item.VariantID).Scan(&v.ID, &v.ProductID, &v.InitialStock, &v.ReservedStock); err != nil {
			return nil, fmt.Errorf("lock variant %d for release: %w", item.VariantID, err)
		}

		updateQuery := `
			UPDATE product_variants
			SET reserved_stock = GREATEST(reserved_stock - $1, 0), updated_at = NOW()
			WHERE id = $2`

		if _, err := tx.Exec(ctx, updateQuery, item.Quantity, item.VariantID); err != nil {
			return nil, fmt.Errorf("release stock for variant %d: %w", item.VariantID, err)
		}

		logQuery := `
			INSERT INTO inventory_log (variant_id, change, delta)
			VALUES ($1, $2, $3)`

		if _, err := tx.Exec(ctx, logQuery, item.VariantID, changeKind, -item.Quantity); err != nil {
			return nil, fmt.Errorf("log stock release for variant %d: %w", item.VariantID, err)
		}

		released := item.Quantity
		if released > v.ReservedStock {
			released = v.ReservedStock
		}
		v.ReservedStock -= released
		variants = append(variants, &v)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit release transaction: %w", err)
	}

	return variants, nil
}

// activeReservation resolves the owner pointer and verifies the reservation
// it points at is still live. Stale pointers (payload gone or logically
// expired) are treated as no active reservation.
func (s *ReservationService) activeReservation(ctx context.Context, owner string) (string, error) {
	id, err := s.store.ActiveReservationID(ctx, owner)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", nil
	}

	res, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if res.IsExpired() || res.UserID != owner {
		return "", nil
	}

	return id, nil
}

func (s *ReservationService) authorizeOwner(res *domain.Reservation, userID string) error {
	if res.IsGuestOwned() || res.UserID == userID {
		return nil
	}
	return apperrors.Forbidden("reservation belongs to another customer")
}

func (s *ReservationService) broadcastStock(ctx context.Context, v *domain.ProductVariant, change string) {
	if err := s.producer.PublishStockChanged(ctx, v, change); err != nil {
		s.logger.WarnContext(ctx, "failed to publish stock_changed event",
			slog.Int64("variant_id", v.ID),
			slog.String("error", err.Error()),
		)
	}
}

func sortedItems(items []domain.ReservationItem) []domain.ReservationItem {
	sorted := make([]domain.ReservationItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VariantID < sorted[j].VariantID })
	return sorted
}
