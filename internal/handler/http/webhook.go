package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/internal/service"
	"github.com/vireshop/checkout/pkg/httputil"
)

// WebhookHandler receives payment provider event deliveries.
type WebhookHandler struct {
	webhooks *service.WebhookService
	logger   *slog.Logger
}

// NewWebhookHandler creates a new webhook HTTP handler.
func NewWebhookHandler(webhooks *service.WebhookService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		logger:   logger,
	}
}

// HandlePayment handles POST /api/v1/webhooks/payment.
//
// Every delivery is acknowledged with a 200, malformed ones included: the
// outcome rides in the body and handling failures live in the event ledger,
// which absorbs redeliveries.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var evt domain.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		h.logger.WarnContext(r.Context(), "malformed webhook payload",
			slog.String("error", err.Error()),
		)
		httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{
			"outcome": string(service.OutcomeSkipped),
		}})
		return
	}

	outcome := h.webhooks.HandleEvent(r.Context(), &evt)

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{
		"event_id": evt.ID,
		"outcome":  string(outcome),
	}})
}
