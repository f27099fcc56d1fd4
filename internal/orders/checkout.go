package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/identity"
	"github.com/joao-fontenele/licenseflow/internal/payment"
	"github.com/joao-fontenele/licenseflow/internal/pricing"
)

// Store is the order persistence used by the HTTP layer.
type Store interface {
	CreateOrder(ctx context.Context, in NewOrder) (*domain.Order, error)
	Complete(ctx context.Context, orderRef, gatewayPaymentID string, extra map[string]any) (domain.CompletionResult, error)
	Fail(ctx context.Context, orderRef, reason string, extra map[string]any) (domain.CompletionResult, error)
	Get(ctx context.Context, orderRef string) (*domain.Order, error)
	Grants(ctx context.Context, orderID string) ([]domain.LicenseGrant, error)
}

type ProductFinder interface {
	FindMany(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, c domain.Customer) (domain.UserRef, domain.Resolution, error)
}

type CheckoutRequest struct {
	Customer      domain.Customer     `json:"customer" validate:"required"`
	Cart          domain.CartSnapshot `json:"cart" validate:"required"`
	PaymentMethod string              `json:"payment_method" validate:"required,max=32"`
}

type CheckoutResponse struct {
	OrderNumber   string                `json:"order_number"`
	TotalAmount   decimal.Decimal       `json:"total_amount"`
	ChargeAmount  decimal.Decimal       `json:"charge_amount"`
	Currency      string                `json:"currency"`
	Status        string                `json:"status"`
	PaymentMethod string                `json:"payment_method"`
	Grants        []domain.LicenseGrant `json:"grants,omitempty"`
}

// CheckoutStatusFree is reported for zero-total orders completed in place.
const CheckoutStatusFree = "free"

type CheckoutConfig struct {
	TaxRate  decimal.Decimal
	Currency string
}

type Checkout struct {
	store    Store
	products ProductFinder
	resolver IdentityResolver
	gateways *payment.Registry
	cfg      CheckoutConfig
	validate *validator.Validate
	logger   *slog.Logger
}

func NewCheckout(store Store, products ProductFinder, resolver IdentityResolver, gateways *payment.Registry, cfg CheckoutConfig, logger *slog.Logger) *Checkout {
	return &Checkout{
		store:    store,
		products: products,
		resolver: resolver,
		gateways: gateways,
		cfg:      cfg,
		validate: newValidator(),
		logger:   logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError turns validator output into field messages keyed by JSON path.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &domain.ValidationError{}
	for _, fe := range verrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out.Add(field, msg)
	}
	return out
}

// Place validates the cart, resolves the customer, and records a pending
// order. Free checkouts are completed before returning.
func (c *Checkout) Place(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	req.Customer.Email = identity.NormalizeEmail(req.Customer.Email)
	if err := c.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	if !c.gateways.Supports(req.PaymentMethod) {
		return nil, domain.NewValidationError("payment_method", "unsupported payment method")
	}

	items, totals, err := c.priceCart(ctx, req.Cart)
	if err != nil {
		return nil, err
	}

	isFree := req.PaymentMethod == domain.PaymentMethodFree
	if isFree != totals.Total.IsZero() {
		return nil, domain.NewValidationError("payment_method", "free checkout is only available for zero-total carts")
	}

	user, resolution, err := c.resolver.Resolve(ctx, req.Customer)
	if err != nil {
		c.logger.Warn("identity resolution failed, continuing as guest", "error", err)
		user = domain.GuestUser()
	}

	order, err := c.store.CreateOrder(ctx, NewOrder{
		User:          user,
		Customer:      req.Customer,
		Items:         items,
		Totals:        totals,
		Currency:      c.cfg.Currency,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}

	resp := &CheckoutResponse{
		OrderNumber:   order.Number,
		TotalAmount:   order.Total,
		ChargeAmount:  order.Total,
		Currency:      order.Currency,
		Status:        string(order.Status),
		PaymentMethod: order.PaymentMethod,
	}

	if isFree {
		result, err := c.store.Complete(ctx, order.Number, "", map[string]any{"gateway": domain.PaymentMethodFree})
		if err != nil {
			return nil, err
		}
		resp.Status = CheckoutStatusFree
		resp.Grants = result.Grants
	} else {
		gw, err := c.gateways.Get(req.PaymentMethod)
		if err != nil {
			return nil, err
		}
		resp.ChargeAmount, err = gw.Fee.Quote(order.Total)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("checkout placed", "order_number", order.Number, "resolution", resolution,
		"total", resp.TotalAmount.StringFixed(2), "charge", resp.ChargeAmount.StringFixed(2))
	return resp, nil
}

// priceCart checks the snapshot against the catalog and recomputes its totals.
func (c *Checkout) priceCart(ctx context.Context, cart domain.CartSnapshot) ([]domain.OrderItem, domain.CartTotals, error) {
	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}

	products, err := c.products.FindMany(ctx, ids)
	if err != nil {
		return nil, domain.CartTotals{}, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	verr := &domain.ValidationError{}
	items := make([]domain.OrderItem, 0, len(cart.Items))
	for i, item := range cart.Items {
		field := fmt.Sprintf("cart.items[%d]", i)
		product, ok := products[item.ProductID]
		if !ok || !product.IsActive {
			verr.Add(field+".product_id", "unknown product")
			continue
		}
		if item.IsFree && !product.IsFree {
			verr.Add(field+".is_free", "product is not free")
			continue
		}
		if !item.IsFree && !item.UnitPrice.Equal(product.Price) {
			verr.Add(field+".unit_price", "price does not match the catalog")
			continue
		}

		items = append(items, domain.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Subtotal:    pricing.LineSubtotal(item),
			IsFree:      item.IsFree || product.IsFree,
		})
	}
	if len(verr.Fields) > 0 {
		return nil, domain.CartTotals{}, verr
	}

	totals := pricing.CartTotals(cart.Items, c.cfg.TaxRate)
	if !pricing.Close(totals.Subtotal, cart.Totals.Subtotal) ||
		!pricing.Close(totals.Tax, cart.Totals.Tax) ||
		!pricing.Close(totals.Total, cart.Totals.Total) {
		return nil, domain.CartTotals{}, domain.NewValidationError("cart.totals",
			fmt.Sprintf("totals do not match the cart items, expected subtotal %s tax %s total %s",
				totals.Subtotal.StringFixed(2), totals.Tax.StringFixed(2), totals.Total.StringFixed(2)))
	}

	return items, totals, nil
}
