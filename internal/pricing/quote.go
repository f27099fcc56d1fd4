// Package pricing computes gateway-adjusted charges and cart totals.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

var ErrInvalidFeeModel = errors.New("invalid gateway fee model")

// minorUnitPlaces is the number of decimals kept for every currency we sell in.
const minorUnitPlaces = 2

var hundred = decimal.NewFromInt(100)

// FeeModel is a gateway's commission: a percentage of the gross plus a fixed fee.
type FeeModel struct {
	Percent decimal.Decimal `json:"percent"`
	Fixed   decimal.Decimal `json:"fixed"`
}

func (m FeeModel) Validate() error {
	if m.Percent.IsNegative() || m.Percent.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: percent must be in [0, 100), got %s", ErrInvalidFeeModel, m.Percent)
	}
	if m.Fixed.IsNegative() {
		return fmt.Errorf("%w: fixed fee must not be negative, got %s", ErrInvalidFeeModel, m.Fixed)
	}
	return nil
}

func (m FeeModel) Quote(net decimal.Decimal) (decimal.Decimal, error) {
	return Quote(net, m.Percent, m.Fixed)
}

// Quote returns the gross amount to charge so that net remains after the gateway
// takes feePercent of the gross plus fixedFee. Non-positive nets are never charged.
func Quote(net, feePercent, fixedFee decimal.Decimal) (decimal.Decimal, error) {
	if err := (FeeModel{Percent: feePercent, Fixed: fixedFee}).Validate(); err != nil {
		return decimal.Zero, err
	}
	if !net.IsPositive() {
		return decimal.Zero, nil
	}

	keep := decimal.NewFromInt(1).Sub(feePercent.Div(hundred))
	gross := net.Add(fixedFee).Div(keep)

	// decimal.Round is half away from zero, which is half-up for positive amounts.
	return gross.Round(minorUnitPlaces), nil
}

// NetAfterFee is what the merchant receives when gross is charged through the gateway.
func NetAfterFee(gross, feePercent, fixedFee decimal.Decimal) decimal.Decimal {
	if !gross.IsPositive() {
		return decimal.Zero
	}
	fee := gross.Mul(feePercent).Div(hundred).Add(fixedFee)
	return gross.Sub(fee).Round(minorUnitPlaces)
}

// CartTotals sums the non-free lines and applies a flat tax rate (0.10 for 10%).
func CartTotals(items []domain.CartItem, taxRate decimal.Decimal) domain.CartTotals {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(LineSubtotal(item))
	}
	subtotal = subtotal.Round(minorUnitPlaces)
	tax := subtotal.Mul(taxRate).Round(minorUnitPlaces)

	return domain.CartTotals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}
}

func LineSubtotal(item domain.CartItem) decimal.Decimal {
	if item.IsFree {
		return decimal.Zero
	}
	return item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(minorUnitPlaces)
}

// Tolerance is the largest rounding difference accepted between two money amounts.
var Tolerance = decimal.New(1, -minorUnitPlaces)

// Close reports whether a and b differ by at most one minor unit.
func Close(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
