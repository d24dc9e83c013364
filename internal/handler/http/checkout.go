package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vireshop/checkout/internal/service"
	"github.com/vireshop/checkout/pkg/httputil"
	"github.com/vireshop/checkout/pkg/validator"
)

// CheckoutHandler handles HTTP requests for the checkout reservation flow.
type CheckoutHandler struct {
	reservations *service.ReservationService
	recovery     *service.RecoveryService
	logger       *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(reservations *service.ReservationService, recovery *service.RecoveryService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		reservations: reservations,
		recovery:     recovery,
		logger:       logger,
	}
}

// --- Request DTOs ---

// ReserveRequest is the JSON request body for creating a reservation.
type ReserveRequest struct {
	Items []ReserveItemRequest `json:"items" validate:"required,min=1,dive"`
	Email string               `json:"email" validate:"omitempty,email"`
}

// ReserveItemRequest is a single requested line.
type ReserveItemRequest struct {
	VariantID int64 `json:"variant_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

// PaymentIntentRequest is the JSON request body for creating a payment
// intent.
type PaymentIntentRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
}

// --- Handlers ---

// Reserve handles POST /api/v1/checkout/reserve
func (h *CheckoutHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	// Limit request body to 1MB to prevent DoS via large payloads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	input := &service.ReserveInput{Email: req.Email}
	for _, item := range req.Items {
		input.Items = append(input.Items, service.ReserveItemInput{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}

	res, err := h.reservations.Reserve(r.Context(), userID(r), input)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: res})
}

// Get handles GET /api/v1/checkout/{reservationID}
func (h *CheckoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")

	res, err := h.reservations.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	// A guest reservation is readable by anyone holding its id; an owned one
	// only by its owner.
	if caller := userID(r); caller != "" && !res.IsGuestOwned() && res.UserID != caller {
		httputil.WriteJSON(w, http.StatusForbidden, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "FORBIDDEN", Message: "reservation belongs to another customer"},
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: res})
}

// GetStatus handles GET /api/v1/checkout/{reservationID}/status
func (h *CheckoutHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")

	status, err := h.reservations.GetStatus(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: status})
}

// CreatePaymentIntent handles POST /api/v1/checkout/{reservationID}/payment-intent
func (h *CheckoutHandler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")

	var req PaymentIntentRequest
	if r.ContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
			})
			return
		}
		if err := validator.Validate(req); err != nil {
			httputil.WriteValidationError(w, err)
			return
		}
	}

	res, err := h.reservations.CreatePaymentIntent(r.Context(), userID(r), id, req.Email)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"reservation_id":        res.ID,
		"payment_intent_id":     res.PaymentIntentID,
		"payment_client_secret": res.PaymentClientSecret,
		"amount":                res.TotalAmount,
		"currency":              res.Currency,
		"expires_at":            res.ExpiresAt,
	}})
}

// Confirm handles POST /api/v1/checkout/{reservationID}/confirm
func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")

	order, err := h.reservations.Confirm(r.Context(), userID(r), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}

// Cancel handles POST /api/v1/checkout/{reservationID}/cancel
func (h *CheckoutHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")

	if err := h.reservations.Cancel(r.Context(), userID(r), id); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{
		"reservation_id": id,
		"status":         "cancelled",
	}})
}

// Recover handles POST /api/v1/checkout/recover/{token}
func (h *CheckoutHandler) Recover(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	res, err := h.recovery.RecoverFromToken(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: res})
}
