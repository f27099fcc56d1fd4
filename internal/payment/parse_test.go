package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		format    PayloadFormat
		payload   string
		orderRef  string
		paymentID string
		outcome   domain.PaymentOutcome
		reason    string
	}{
		{
			name:      "flat success",
			format:    FormatFlat,
			payload:   `{"order_ref":"LF-1","payment_id":"p1","status":"paid"}`,
			orderRef:  "LF-1",
			paymentID: "p1",
			outcome:   domain.PaymentSucceeded,
		},
		{
			name:     "flat failure keeps reason",
			format:   FormatFlat,
			payload:  `{"order_ref":"LF-1","status":"declined","reason":"insufficient funds"}`,
			orderRef: "LF-1",
			outcome:  domain.PaymentFailed,
			reason:   "insufficient funds",
		},
		{
			name:     "flat pending is ignored",
			format:   FormatFlat,
			payload:  `{"order_ref":"LF-1","status":"pending"}`,
			orderRef: "LF-1",
			outcome:  domain.PaymentIgnored,
		},
		{
			name:      "resource event capture completed",
			format:    FormatResourceEvent,
			payload:   `{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","custom_id":"LF-2","status":"COMPLETED"}}`,
			orderRef:  "LF-2",
			paymentID: "CAP-1",
			outcome:   domain.PaymentSucceeded,
		},
		{
			name:      "resource event falls back to invoice id",
			format:    FormatResourceEvent,
			payload:   `{"id":"WH-2","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-2","invoice_id":"LF-3"}}`,
			orderRef:  "LF-3",
			paymentID: "CAP-2",
			outcome:   domain.PaymentSucceeded,
		},
		{
			name:      "resource event denied",
			format:    FormatResourceEvent,
			payload:   `{"id":"WH-3","event_type":"PAYMENT.CAPTURE.DENIED","resource":{"id":"CAP-3","custom_id":"LF-4","status":"DECLINED"}}`,
			orderRef:  "LF-4",
			paymentID: "CAP-3",
			outcome:   domain.PaymentFailed,
			reason:    "declined",
		},
		{
			name:      "data object payment failed",
			format:    FormatDataObject,
			payload:   `{"id":"evt_1","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","metadata":{"order_number":"LF-5"},"last_payment_error":{"message":"card declined"}}}}`,
			orderRef:  "LF-5",
			paymentID: "pi_1",
			outcome:   domain.PaymentFailed,
			reason:    "card declined",
		},
		{
			name:      "data object unrelated event",
			format:    FormatDataObject,
			payload:   `{"id":"evt_2","type":"customer.created","data":{"object":{"id":"cus_1"}}}`,
			paymentID: "cus_1",
			outcome:   domain.PaymentIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := Parse(tt.format, []byte(tt.payload))
			require.NoError(t, err)

			assert.Equal(t, tt.orderRef, event.OrderRef)
			assert.Equal(t, tt.paymentID, event.GatewayPaymentID)
			assert.Equal(t, tt.outcome, event.Outcome)
			assert.Equal(t, tt.reason, event.FailureReason)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		format  PayloadFormat
		payload string
	}{
		{name: "not json", format: FormatFlat, payload: `order=1`},
		{name: "success without order", format: FormatFlat, payload: `{"payment_id":"p","status":"succeeded"}`},
		{name: "success without payment id", format: FormatDataObject, payload: `{"type":"payment_intent.succeeded","data":{"object":{"metadata":{"order_number":"LF-1"}}}}`},
		{name: "unknown format", format: "xml", payload: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.format, []byte(tt.payload))
			assert.ErrorIs(t, err, domain.ErrMalformedWebhook)
		})
	}
}
