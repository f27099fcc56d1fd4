package orders

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/payment"
)

type WebhookResult struct {
	Outcome domain.PaymentOutcome   `json:"outcome"`
	Order   *domain.CompletionResult `json:"order,omitempty"`
}

// Webhooks authenticates gateway callbacks and applies them to the ledger.
type Webhooks struct {
	store    Store
	gateways *payment.Registry
	logger   *slog.Logger
}

func NewWebhooks(store Store, gateways *payment.Registry, logger *slog.Logger) *Webhooks {
	return &Webhooks{store: store, gateways: gateways, logger: logger}
}

// Process verifies the signature before reading the payload. Replays of an
// already applied event succeed without side effects.
func (w *Webhooks) Process(ctx context.Context, gatewayID string, payload []byte, header http.Header) (WebhookResult, error) {
	gw, err := w.gateways.Get(gatewayID)
	if err != nil {
		return WebhookResult{}, err
	}

	event, err := gw.Authenticate(payload, header.Get(gw.SignatureHeader))
	if err != nil {
		return WebhookResult{}, err
	}

	extra := map[string]any{"gateway": event.GatewayID}
	if event.EventID != "" {
		extra["event_id"] = event.EventID
	}
	if event.EventType != "" {
		extra["event_type"] = event.EventType
	}

	var result domain.CompletionResult
	switch event.Outcome {
	case domain.PaymentSucceeded:
		extra["gateway_payment_id"] = event.GatewayPaymentID
		result, err = w.store.Complete(ctx, event.OrderRef, event.GatewayPaymentID, extra)
	case domain.PaymentFailed:
		if event.FailureReason != "" {
			extra["failure_reason"] = event.FailureReason
		}
		result, err = w.store.Fail(ctx, event.OrderRef, event.FailureReason, extra)
	default:
		w.logger.Info("webhook event ignored", "gateway", gatewayID, "event_type", event.EventType,
			"event_id", event.EventID)
		return WebhookResult{Outcome: domain.PaymentIgnored}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	return WebhookResult{Outcome: event.Outcome, Order: &result}, nil
}
