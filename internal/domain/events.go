package domain

import "time"

type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
	// PaymentIgnored covers gateway events that carry no state change for an order.
	PaymentIgnored PaymentOutcome = "ignored"
)

// PaymentEvent is a verified webhook normalized across gateways.
type PaymentEvent struct {
	GatewayID        string         `json:"gateway_id"`
	EventID          string         `json:"event_id,omitempty"`
	EventType        string         `json:"event_type,omitempty"`
	OrderRef         string         `json:"order_ref"`
	GatewayPaymentID string         `json:"gateway_payment_id"`
	Outcome          PaymentOutcome `json:"outcome"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	RawPayload       []byte         `json:"-"`
}

type NotificationType string

const (
	NotificationAccountCreated      NotificationType = "account.created"
	NotificationAccountReactivation NotificationType = "account.reactivation"
	NotificationAdditionalPurchase  NotificationType = "purchase.additional"
	NotificationOrderCompleted      NotificationType = "order.completed"
)

// Notification is the structured event handed to the notification dispatcher.
type Notification struct {
	Type              NotificationType  `json:"type"`
	RecipientEmail    string            `json:"recipient_email"`
	TemplateVariables map[string]string `json:"template_variables"`
	Timestamp         time.Time         `json:"timestamp"`
}
