package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vireshop/checkout/internal/repository"
	"github.com/vireshop/checkout/pkg/httputil"
	"github.com/vireshop/checkout/pkg/pagination"
	"github.com/vireshop/checkout/pkg/validator"
)

// StockHandler handles HTTP requests for the stock admin surface.
type StockHandler struct {
	stock  repository.StockRepository
	logger *slog.Logger
}

// NewStockHandler creates a new stock HTTP handler.
func NewStockHandler(stock repository.StockRepository, logger *slog.Logger) *StockHandler {
	return &StockHandler{
		stock:  stock,
		logger: logger,
	}
}

// SetStockRequest is the JSON request body for replacing a stock level.
type SetStockRequest struct {
	InitialStock int `json:"initial_stock" validate:"gte=0"`
}

func parseVariantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "variantID"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_PARAMETER", Message: "variant id must be a positive integer"},
		})
		return 0, false
	}
	return id, true
}

// Get handles GET /api/v1/stock/{variantID}
func (h *StockHandler) Get(w http.ResponseWriter, r *http.Request) {
	variantID, ok := parseVariantID(w, r)
	if !ok {
		return
	}

	variant, err := h.stock.GetVariant(r.Context(), variantID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"variant":   variant,
		"available": variant.Available(),
	}})
}

// Set handles PUT /api/v1/stock/{variantID}
func (h *StockHandler) Set(w http.ResponseWriter, r *http.Request) {
	variantID, ok := parseVariantID(w, r)
	if !ok {
		return
	}

	// Limit request body to 1MB to prevent DoS via large payloads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req SetStockRequest
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

	variant, err := h.stock.SetStockLevel(r.Context(), variantID, req.InitialStock)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"variant":   variant,
		"available": variant.Available(),
	}})
}

// ListLog handles GET /api/v1/stock/{variantID}/log
func (h *StockHandler) ListLog(w http.ResponseWriter, r *http.Request) {
	variantID, ok := parseVariantID(w, r)
	if !ok {
		return
	}

	params := pagination.FromRequest(r)

	entries, total, err := h.stock.ListInventoryLog(r.Context(), variantID, params.Page, params.PerPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: pagination.NewResult(entries, total, params),
	})
}
