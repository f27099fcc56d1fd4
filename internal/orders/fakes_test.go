package orders

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/payment"
	"github.com/joao-fontenele/licenseflow/internal/pricing"
)

// memoryStore mirrors the ledger's state machine without a database.
type memoryStore struct {
	mu          sync.Mutex
	orders      map[string]*domain.Order
	grants      map[string][]domain.LicenseGrant
	completions int
	createErr   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders: map[string]*domain.Order{},
		grants: map[string][]domain.LicenseGrant{},
	}
}

func (s *memoryStore) CreateOrder(_ context.Context, in NewOrder) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}

	order := &domain.Order{
		ID:            "id-" + NewOrderNumber(),
		Number:        NewOrderNumber(),
		User:          in.User,
		Customer:      in.Customer,
		Items:         in.Items,
		Subtotal:      in.Totals.Subtotal,
		Tax:           in.Totals.Tax,
		Total:         in.Totals.Total,
		Currency:      in.Currency,
		Status:        domain.OrderStatusPending,
		PaymentMethod: in.PaymentMethod,
		CreatedAt:     time.Now().UTC(),
	}
	s.orders[order.Number] = order
	return order, nil
}

func (s *memoryStore) Complete(_ context.Context, ref, paymentID string, _ map[string]any) (domain.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[ref]
	if !ok {
		return domain.CompletionResult{}, domain.ErrUnknownOrder
	}
	if order.Status.IsTerminal() {
		return domain.CompletionResult{OrderNumber: ref, Status: order.Status, Replayed: true, Grants: s.grants[order.ID]}, nil
	}

	s.completions++
	order.Status = domain.OrderStatusCompleted
	order.GatewayPaymentID = paymentID
	grants := make([]domain.LicenseGrant, 0, len(order.Items))
	for _, item := range order.Items {
		kind := domain.GrantLicense
		switch {
		case item.IsFree:
			kind = domain.GrantFree
		case order.User.IsGuest():
			kind = domain.GrantGuest
		}
		grants = append(grants, domain.LicenseGrant{ProductID: item.ProductID, Kind: kind, DownloadsGranted: 5 * item.Quantity})
	}
	s.grants[order.ID] = grants
	return domain.CompletionResult{OrderNumber: ref, Status: order.Status, Grants: grants}, nil
}

func (s *memoryStore) Fail(_ context.Context, ref, reason string, _ map[string]any) (domain.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[ref]
	if !ok {
		return domain.CompletionResult{}, domain.ErrUnknownOrder
	}
	if order.Status.IsTerminal() {
		return domain.CompletionResult{OrderNumber: ref, Status: order.Status, Replayed: true}, nil
	}
	order.Status = domain.OrderStatusFailed
	order.FailureReason = reason
	return domain.CompletionResult{OrderNumber: ref, Status: order.Status}, nil
}

func (s *memoryStore) Get(_ context.Context, ref string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[ref]
	if !ok {
		return nil, domain.ErrUnknownOrder
	}
	cp := *order
	return &cp, nil
}

func (s *memoryStore) Grants(_ context.Context, orderID string) ([]domain.LicenseGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[orderID], nil
}

func (s *memoryStore) only(t *testing.T) *domain.Order {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.orders, 1)
	for _, o := range s.orders {
		return o
	}
	return nil
}

type staticProducts map[string]domain.Product

func (p staticProducts) FindMany(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := map[string]domain.Product{}
	for _, id := range ids {
		if product, ok := p[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func testCatalog() staticProducts {
	return staticProducts{
		"PROD-STUDIO": {ID: "PROD-STUDIO", Name: "Studio", Price: decimal.RequireFromString("20.00"),
			Currency: "USD", DownloadQuota: 5, UpdateMonths: 12, IsActive: true},
		"PROD-VIEWER": {ID: "PROD-VIEWER", Name: "Viewer", Price: decimal.Zero, Currency: "USD",
			IsFree: true, IsActive: true},
	}
}

type stubResolver struct {
	ref domain.UserRef
	err error
}

func (r stubResolver) Resolve(_ context.Context, _ domain.Customer) (domain.UserRef, domain.Resolution, error) {
	if r.err != nil {
		return domain.GuestUser(), domain.ResolutionGuest, r.err
	}
	if r.ref.IsGuest() {
		return r.ref, domain.ResolutionGuest, nil
	}
	return r.ref, domain.ResolutionExisting, nil
}

func testRegistry(t *testing.T) *payment.Registry {
	t.Helper()

	registry, err := payment.NewRegistry(payment.Gateway{
		ID:              "cardpay",
		Kind:            payment.KindHMACSHA256,
		SignatureHeader: "X-Signature",
		Secret:          "card-secret",
		PayloadFormat:   payment.FormatFlat,
		Fee:             pricing.FeeModel{Percent: decimal.RequireFromString("5"), Fixed: decimal.RequireFromString("0.30")},
	})
	require.NoError(t, err)
	return registry
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store   *memoryStore
	handler *Handler
}

func newHarness(t *testing.T, resolver IdentityResolver) *harness {
	t.Helper()

	store := newMemoryStore()
	registry := testRegistry(t)
	logger := discardLogger()
	checkout := NewCheckout(store, testCatalog(), resolver, registry,
		CheckoutConfig{TaxRate: decimal.RequireFromString("0.10"), Currency: "USD"}, logger)

	handler := NewHandler(store, checkout, NewWebhooks(store, registry, logger), NewGuestDownloads(store),
		nil, nil, HandlerConfig{WebhookTimeout: time.Second, AccountURL: "https://shop.test/account"}, logger)
	return &harness{store: store, handler: handler}
}
