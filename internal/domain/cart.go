package domain

import "github.com/shopspring/decimal"

// CartSnapshot is the read-only view of a cart handed to checkout.
type CartSnapshot struct {
	Items  []CartItem `json:"items" validate:"required,min=1,dive"`
	Totals CartTotals `json:"totals"`
}

type CartItem struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Name      string          `json:"name" validate:"max=200"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity" validate:"required,gt=0,lte=100"`
	IsFree    bool            `json:"is_free"`
}

type CartTotals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}
