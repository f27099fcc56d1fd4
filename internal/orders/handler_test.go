package orders

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/payment"
)

const studioAndViewerCart = `{
	"customer": {"email": "Ada@Example.com ", "first_name": "Ada", "last_name": "Lovelace"},
	"cart": {
		"items": [
			{"product_id": "PROD-STUDIO", "name": "Studio", "unit_price": "20.00", "quantity": 1},
			{"product_id": "PROD-VIEWER", "name": "Viewer", "unit_price": "0", "quantity": 1, "is_free": true}
		],
		"totals": {"subtotal": "20.00", "tax": "2.00", "total": "22.00"}
	},
	"payment_method": "cardpay"
}`

func (h *harness) do(method, pattern, target, body string, header http.Header, fn http.HandlerFunc) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(method+" "+pattern, fn)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func (h *harness) checkout(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(http.MethodPost, "/checkout", "/checkout", body, nil, h.handler.HandleCheckout)
}

func (h *harness) webhook(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	header := http.Header{}
	header.Set("X-Signature", payment.SignHMACSHA256([]byte(payload), "card-secret"))
	return h.do(http.MethodPost, "/webhooks/{gateway}", "/webhooks/cardpay", payload, header, h.handler.HandleWebhook)
}

func TestHandler_HandleCheckout(t *testing.T) {
	t.Run("paid cart with a free item", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})

		rec := h.checkout(t, studioAndViewerCart)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp CheckoutResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, strings.HasPrefix(resp.OrderNumber, "LF-"))
		assert.Equal(t, "22", resp.TotalAmount.String())
		// (22 + 0.30) / 0.95
		assert.Equal(t, "23.47", resp.ChargeAmount.StringFixed(2))
		assert.Equal(t, "pending", resp.Status)

		order := h.store.only(t)
		assert.Equal(t, "ada@example.com", order.Customer.Email)
		assert.Equal(t, "20", order.Subtotal.String())
		assert.Equal(t, "2", order.Tax.String())
		require.Len(t, order.Items, 2)
		assert.True(t, order.Items[1].IsFree)
		id, ok := order.User.ID()
		assert.True(t, ok)
		assert.Equal(t, "user-1", id)
	})

	t.Run("free cart completes in place", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})

		body := `{
			"customer": {"email": "ada@example.com", "first_name": "Ada", "last_name": "Lovelace"},
			"cart": {
				"items": [{"product_id": "PROD-VIEWER", "unit_price": "0", "quantity": 1, "is_free": true}],
				"totals": {"subtotal": "0", "tax": "0", "total": "0"}
			},
			"payment_method": "free"
		}`
		rec := h.checkout(t, body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp CheckoutResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, CheckoutStatusFree, resp.Status)
		assert.True(t, resp.ChargeAmount.IsZero())
		require.Len(t, resp.Grants, 1)
		assert.Equal(t, domain.GrantFree, resp.Grants[0].Kind)
		assert.Equal(t, domain.OrderStatusCompleted, h.store.only(t).Status)
	})

	t.Run("identity failure falls back to guest", func(t *testing.T) {
		h := newHarness(t, stubResolver{err: domain.ErrIdentityProvisioning})

		rec := h.checkout(t, studioAndViewerCart)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.True(t, h.store.only(t).User.IsGuest())
	})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "tampered totals",
			body:  strings.Replace(studioAndViewerCart, `"total": "22.00"`, `"total": "2.00"`, 1),
			field: "cart.totals",
		},
		{
			name:  "stale price",
			body:  strings.Replace(studioAndViewerCart, `"unit_price": "20.00"`, `"unit_price": "15.00"`, 1),
			field: "cart.items[0].unit_price",
		},
		{
			name:  "unknown product",
			body:  strings.Replace(studioAndViewerCart, `"PROD-STUDIO"`, `"PROD-GONE"`, 1),
			field: "cart.items[0].product_id",
		},
		{
			name:  "unsupported gateway",
			body:  strings.Replace(studioAndViewerCart, `"cardpay"`, `"bank"`, 1),
			field: "payment_method",
		},
		{
			name:  "free method on a paid cart",
			body:  strings.Replace(studioAndViewerCart, `"cardpay"`, `"free"`, 1),
			field: "payment_method",
		},
		{
			name:  "invalid email",
			body:  strings.Replace(studioAndViewerCart, `Ada@Example.com `, `not-an-email`, 1),
			field: "customer.email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})

			rec := h.checkout(t, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var resp struct {
				Details map[string]string `json:"details"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Details, tt.field)
			assert.Empty(t, h.store.orders)
		})
	}

	t.Run("persistence failure is retryable", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})
		h.store.createErr = persistence(errors.New("connection refused"))

		rec := h.checkout(t, studioAndViewerCart)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandler_HandleWebhook(t *testing.T) {
	placeOrder := func(t *testing.T, h *harness) string {
		t.Helper()
		rec := h.checkout(t, studioAndViewerCart)
		require.Equal(t, http.StatusCreated, rec.Code)
		return h.store.only(t).Number
	}

	t.Run("duplicate success completes once", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})
		number := placeOrder(t, h)
		payload := `{"event_id":"evt_1","order_ref":"` + number + `","payment_id":"pay_1","status":"succeeded"}`

		rec := h.webhook(t, payload)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var first WebhookResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
		assert.Equal(t, domain.PaymentSucceeded, first.Outcome)
		require.NotNil(t, first.Order)
		assert.False(t, first.Order.Replayed)

		rec = h.webhook(t, payload)
		require.Equal(t, http.StatusOK, rec.Code)

		var second WebhookResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
		assert.True(t, second.Order.Replayed)
		assert.Equal(t, first.Order.Grants, second.Order.Grants)
		assert.Equal(t, 1, h.store.completions)
	})

	t.Run("failure after completion leaves the order completed", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})
		number := placeOrder(t, h)

		require.Equal(t, http.StatusOK, h.webhook(t, `{"order_ref":"`+number+`","payment_id":"pay_1","status":"succeeded"}`).Code)
		require.Equal(t, http.StatusOK, h.webhook(t, `{"order_ref":"`+number+`","status":"declined","reason":"card"}`).Code)

		assert.Equal(t, domain.OrderStatusCompleted, h.store.only(t).Status)
	})

	t.Run("success after failure leaves the order failed", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})
		number := placeOrder(t, h)

		require.Equal(t, http.StatusOK, h.webhook(t, `{"order_ref":"`+number+`","status":"declined","reason":"card"}`).Code)
		require.Equal(t, http.StatusOK, h.webhook(t, `{"order_ref":"`+number+`","payment_id":"pay_1","status":"succeeded"}`).Code)

		order := h.store.only(t)
		assert.Equal(t, domain.OrderStatusFailed, order.Status)
		assert.Equal(t, "card", order.FailureReason)
		assert.Zero(t, h.store.completions)
	})

	t.Run("bad signature is rejected before parsing", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})
		number := placeOrder(t, h)

		header := http.Header{}
		header.Set("X-Signature", "sha256=deadbeef")
		rec := h.do(http.MethodPost, "/webhooks/{gateway}", "/webhooks/cardpay",
			`{"order_ref":"`+number+`","payment_id":"pay_1","status":"succeeded"}`, header, h.handler.HandleWebhook)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, domain.OrderStatusPending, h.store.only(t).Status)
	})

	t.Run("unknown gateway", func(t *testing.T) {
		h := newHarness(t, stubResolver{})
		rec := h.do(http.MethodPost, "/webhooks/{gateway}", "/webhooks/bank", `{}`, nil, h.handler.HandleWebhook)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown order", func(t *testing.T) {
		h := newHarness(t, stubResolver{})
		rec := h.webhook(t, `{"order_ref":"LF-MISSING","payment_id":"pay_1","status":"succeeded"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed payload", func(t *testing.T) {
		h := newHarness(t, stubResolver{})
		rec := h.webhook(t, `{"order_ref":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ignored event", func(t *testing.T) {
		h := newHarness(t, stubResolver{})
		rec := h.webhook(t, `{"order_ref":"LF-1","status":"refund.requested"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"outcome":"ignored"`)
	})
}

func TestHandler_HandleGetOrder(t *testing.T) {
	h := newHarness(t, stubResolver{ref: domain.KnownUser("user-1")})
	require.Equal(t, http.StatusCreated, h.checkout(t, studioAndViewerCart).Code)
	number := h.store.only(t).Number

	rec := h.do(http.MethodGet, "/orders/{orderNumber}", "/orders/"+number, "", nil, h.handler.HandleGetOrder)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"order_number":"`+number+`"`)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	rec = h.do(http.MethodGet, "/orders/{orderNumber}", "/orders/LF-NOPE", "", nil, h.handler.HandleGetOrder)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_HandleGuestDownload(t *testing.T) {
	setup := func(t *testing.T, ref domain.UserRef) (*harness, string) {
		t.Helper()
		h := newHarness(t, stubResolver{ref: ref})
		require.Equal(t, http.StatusCreated, h.checkout(t, studioAndViewerCart).Code)
		number := h.store.only(t).Number
		require.Equal(t, http.StatusOK, h.webhook(t, `{"order_ref":"`+number+`","payment_id":"pay_1","status":"succeeded"}`).Code)
		return h, number
	}
	download := func(h *harness, number, product string) *httptest.ResponseRecorder {
		return h.do(http.MethodGet, "/downloads/guest", "/downloads/guest?order="+number+"&product="+product,
			"", nil, h.handler.HandleGuestDownload)
	}

	t.Run("guest inside the window", func(t *testing.T) {
		h, number := setup(t, domain.GuestUser())

		rec := download(h, number, "PROD-STUDIO")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var got GuestDownload
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "Studio", got.ProductName)
		assert.Equal(t, 5, got.DownloadsGranted)
	})

	t.Run("day 31 asks the guest to create an account", func(t *testing.T) {
		h, number := setup(t, domain.GuestUser())
		created := h.store.only(t).CreatedAt
		h.handler.downloads.now = func() time.Time { return created.Add(31 * 24 * time.Hour) }

		rec := download(h, number, "PROD-STUDIO")
		require.Equal(t, http.StatusGone, rec.Code)
		assert.Contains(t, rec.Body.String(), `"action":"create_account"`)
		assert.Contains(t, rec.Body.String(), "https://shop.test/account")
	})

	t.Run("account orders use the account", func(t *testing.T) {
		h, number := setup(t, domain.KnownUser("user-1"))

		rec := download(h, number, "PROD-STUDIO")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), `"action":"use_account"`)
	})

	t.Run("product not in the order", func(t *testing.T) {
		h, number := setup(t, domain.GuestUser())
		assert.Equal(t, http.StatusNotFound, download(h, number, "PROD-PLUGINS").Code)
	})

	t.Run("pending order", func(t *testing.T) {
		h := newHarness(t, stubResolver{ref: domain.GuestUser()})
		require.Equal(t, http.StatusCreated, h.checkout(t, studioAndViewerCart).Code)
		assert.Equal(t, http.StatusNotFound, download(h, h.store.only(t).Number, "PROD-STUDIO").Code)
	})

	t.Run("missing parameters", func(t *testing.T) {
		h := newHarness(t, stubResolver{})
		rec := h.do(http.MethodGet, "/downloads/guest", "/downloads/guest?order=LF-1", "", nil, h.handler.HandleGuestDownload)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
