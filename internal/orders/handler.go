package orders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/telemetry"
)

const maxBodyBytes = 1 << 20

type HandlerConfig struct {
	WebhookTimeout time.Duration
	AccountURL     string
}

type Handler struct {
	store     Store
	checkout  *Checkout
	webhooks  *Webhooks
	downloads *GuestDownloads
	limiter   *rate.Limiter
	metrics   *telemetry.Instruments
	cfg       HandlerConfig
	logger    *slog.Logger
}

func NewHandler(store Store, checkout *Checkout, webhooks *Webhooks, downloads *GuestDownloads,
	limiter *rate.Limiter, metrics *telemetry.Instruments, cfg HandlerConfig, logger *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		checkout:  checkout,
		webhooks:  webhooks,
		downloads: downloads,
		limiter:   limiter,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.writeError(w, http.StatusTooManyRequests, "too many checkout attempts, retry shortly")
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.checkout.Place(r.Context(), req)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "validation failed",
				"details": verr.Fields,
			})
		case errors.Is(err, domain.ErrPersistence):
			h.logger.Error("checkout failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "checkout temporarily unavailable")
		default:
			h.logger.Error("checkout failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.metrics.OrderCreated(r.Context(), resp.PaymentMethod)
	if resp.Status == CheckoutStatusFree {
		h.metrics.OrderCompleted(r.Context(), domain.PaymentMethodFree, grantKinds(resp.Grants))
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.PathValue("gateway")
	if gatewayID == "" {
		h.writeError(w, http.StatusBadRequest, "missing gateway")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if h.cfg.WebhookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.WebhookTimeout)
		defer cancel()
	}

	result, err := h.webhooks.Process(ctx, gatewayID, payload, r.Header)
	if err != nil {
		h.writeWebhookError(w, r, gatewayID, err)
		return
	}

	if result.Order != nil && !result.Order.Replayed {
		switch result.Order.Status {
		case domain.OrderStatusCompleted:
			h.metrics.OrderCompleted(ctx, gatewayID, grantKinds(result.Order.Grants))
		case domain.OrderStatusFailed:
			h.metrics.OrderFailed(ctx, gatewayID)
		}
	}

	h.logger.Info("webhook processed", "gateway", gatewayID, "outcome", result.Outcome)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeWebhookError(w http.ResponseWriter, r *http.Request, gatewayID string, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownGateway):
		h.logger.Warn("webhook for unknown gateway", "gateway", gatewayID)
		h.metrics.WebhookRejected(r.Context(), gatewayID, "unknown_gateway")
		h.writeError(w, http.StatusNotFound, "unknown gateway")
	case errors.Is(err, domain.ErrUnauthenticatedWebhook):
		h.logger.Warn("webhook signature rejected", "gateway", gatewayID, "remote_addr", r.RemoteAddr)
		h.metrics.WebhookRejected(r.Context(), gatewayID, "signature")
		h.writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, domain.ErrMalformedWebhook):
		h.logger.Warn("malformed webhook", "gateway", gatewayID, "error", err)
		h.metrics.WebhookRejected(r.Context(), gatewayID, "malformed")
		h.writeError(w, http.StatusBadRequest, "malformed payload")
	case errors.Is(err, domain.ErrUnknownOrder):
		h.logger.Warn("webhook references unknown order", "gateway", gatewayID, "error", err)
		h.metrics.WebhookRejected(r.Context(), gatewayID, "unknown_order")
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrPersistence), errors.Is(err, context.DeadlineExceeded):
		h.logger.Error("webhook processing failed", "gateway", gatewayID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	default:
		h.logger.Error("webhook processing failed", "gateway", gatewayID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type orderView struct {
	*domain.Order
	Grants []domain.LicenseGrant `json:"grants"`
}

func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("orderNumber")
	if number == "" {
		h.writeError(w, http.StatusBadRequest, "missing order number")
		return
	}

	order, err := h.store.Get(r.Context(), number)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOrder) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("failed to get order", "error", err, "order_number", number)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	grants, err := h.store.Grants(r.Context(), order.ID)
	if err != nil {
		h.logger.Error("failed to load grants", "error", err, "order_number", number)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, orderView{Order: order, Grants: grants})
}

func (h *Handler) HandleGuestDownload(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("order")
	productID := r.URL.Query().Get("product")
	if number == "" || productID == "" {
		h.writeError(w, http.StatusBadRequest, "order and product are required")
		return
	}

	download, err := h.downloads.Authorize(r.Context(), number, productID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownOrder), errors.Is(err, domain.ErrOrderNotCompleted),
			errors.Is(err, domain.ErrProductNotFound):
			h.writeError(w, http.StatusNotFound, "no download for this order and product")
		case errors.Is(err, domain.ErrOrderHasAccount):
			h.writeJSON(w, http.StatusConflict, map[string]string{
				"error":  "this order belongs to an account, sign in to download",
				"action": "use_account",
			})
		case errors.Is(err, domain.ErrGuestWindowExpired):
			h.writeJSON(w, http.StatusGone, map[string]string{
				"error":       "guest download link expired",
				"action":      "create_account",
				"account_url": h.cfg.AccountURL,
			})
		default:
			h.logger.Error("guest download failed", "error", err, "order_number", number)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("guest download authorized", "order_number", number, "product_id", productID)
	h.writeJSON(w, http.StatusOK, download)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func grantKinds(grants []domain.LicenseGrant) []string {
	kinds := make([]string, 0, len(grants))
	for _, g := range grants {
		kinds = append(kinds, string(g.Kind))
	}
	return kinds
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
