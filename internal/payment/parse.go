package payment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

// PayloadFormat names the JSON shape a gateway posts to its webhook.
type PayloadFormat string

const (
	// FormatFlat: {"event_id","order_ref","payment_id","status","reason"}.
	FormatFlat PayloadFormat = "flat"
	// FormatResourceEvent: {"id","event_type","resource":{"id","custom_id","status"}}.
	FormatResourceEvent PayloadFormat = "resource_event"
	// FormatDataObject: {"id","type","data":{"object":{"id","metadata":{"order_number"}}}}.
	FormatDataObject PayloadFormat = "data_object"
)

func (f PayloadFormat) valid() bool {
	switch f {
	case FormatFlat, FormatResourceEvent, FormatDataObject:
		return true
	}
	return false
}

// Parse normalizes a verified webhook body. It must not be called before the
// signature has been checked.
func Parse(format PayloadFormat, payload []byte) (domain.PaymentEvent, error) {
	var (
		event domain.PaymentEvent
		err   error
	)

	switch format {
	case FormatFlat:
		event, err = parseFlat(payload)
	case FormatResourceEvent:
		event, err = parseResourceEvent(payload)
	case FormatDataObject:
		event, err = parseDataObject(payload)
	default:
		return domain.PaymentEvent{}, fmt.Errorf("%w: unsupported format %q", domain.ErrMalformedWebhook, format)
	}
	if err != nil {
		return domain.PaymentEvent{}, err
	}

	if event.Outcome != domain.PaymentIgnored && event.OrderRef == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing order reference", domain.ErrMalformedWebhook)
	}
	if event.Outcome == domain.PaymentSucceeded && event.GatewayPaymentID == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing payment id", domain.ErrMalformedWebhook)
	}

	event.RawPayload = payload
	return event, nil
}

type flatPayload struct {
	EventID   string `json:"event_id"`
	OrderRef  string `json:"order_ref"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func parseFlat(payload []byte) (domain.PaymentEvent, error) {
	var p flatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedWebhook, err)
	}

	event := domain.PaymentEvent{
		EventID:          p.EventID,
		EventType:        p.Status,
		OrderRef:         strings.TrimSpace(p.OrderRef),
		GatewayPaymentID: p.PaymentID,
		FailureReason:    p.Reason,
	}

	switch strings.ToLower(p.Status) {
	case "succeeded", "paid", "completed":
		event.Outcome = domain.PaymentSucceeded
	case "failed", "declined", "cancelled", "canceled":
		event.Outcome = domain.PaymentFailed
	default:
		event.Outcome = domain.PaymentIgnored
	}
	return event, nil
}

type resourceEventPayload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		CustomID      string `json:"custom_id"`
		InvoiceID     string `json:"invoice_id"`
		Status        string `json:"status"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
	} `json:"resource"`
}

func parseResourceEvent(payload []byte) (domain.PaymentEvent, error) {
	var p resourceEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedWebhook, err)
	}

	orderRef := p.Resource.CustomID
	if orderRef == "" {
		orderRef = p.Resource.InvoiceID
	}

	event := domain.PaymentEvent{
		EventID:          p.ID,
		EventType:        p.EventType,
		OrderRef:         strings.TrimSpace(orderRef),
		GatewayPaymentID: p.Resource.ID,
	}

	switch p.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		event.Outcome = domain.PaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		event.Outcome = domain.PaymentFailed
		event.FailureReason = p.Resource.StatusDetails.Reason
		if event.FailureReason == "" {
			event.FailureReason = strings.ToLower(p.Resource.Status)
		}
	default:
		event.Outcome = domain.PaymentIgnored
	}
	return event, nil
}

type dataObjectPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
			Error    *struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func parseDataObject(payload []byte) (domain.PaymentEvent, error) {
	var p dataObjectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedWebhook, err)
	}

	event := domain.PaymentEvent{
		EventID:          p.ID,
		EventType:        p.Type,
		OrderRef:         strings.TrimSpace(p.Data.Object.Metadata["order_number"]),
		GatewayPaymentID: p.Data.Object.ID,
	}

	switch p.Type {
	case "payment_intent.succeeded", "checkout.session.completed":
		event.Outcome = domain.PaymentSucceeded
	case "payment_intent.payment_failed":
		event.Outcome = domain.PaymentFailed
		if p.Data.Object.Error != nil {
			event.FailureReason = p.Data.Object.Error.Message
		}
	default:
		event.Outcome = domain.PaymentIgnored
	}
	return event, nil
}
