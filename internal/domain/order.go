package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

// PaymentMethodFree is the pseudo-gateway used for zero-total checkouts.
const PaymentMethodFree = "free"

// Customer is the contact snapshot captured at checkout time.
type Customer struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Country   string `json:"country,omitempty" validate:"omitempty,len=2"`
}

type OrderItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	IsFree      bool            `json:"is_free"`
}

type Order struct {
	ID               string          `json:"id"`
	Number           string          `json:"order_number"`
	User             UserRef         `json:"user"`
	Customer         Customer        `json:"customer"`
	Items            []OrderItem     `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	Status           OrderStatus     `json:"status"`
	PaymentMethod    string          `json:"payment_method"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	IsDonation       bool            `json:"is_donation"`
	PaymentData      json.RawMessage `json:"payment_data,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// HasProduct reports whether any line item of the order references productID.
func (o *Order) HasProduct(productID string) bool {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// CompletionResult is what Complete returns, both on the first transition and on replay.
type CompletionResult struct {
	OrderNumber string         `json:"order_number"`
	Status      OrderStatus    `json:"status"`
	Replayed    bool           `json:"replayed"`
	Grants      []LicenseGrant `json:"grants"`
}
