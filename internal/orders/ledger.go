// Package orders records purchases and drives them to a terminal state.
package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/identity"
	"github.com/joao-fontenele/licenseflow/internal/licenses"
)

// Issuer creates license grants inside the completion transaction.
type Issuer interface {
	Issue(ctx context.Context, tx *sql.Tx, order *domain.Order) ([]domain.LicenseGrant, error)
}

// Notifier stages a notification in the caller's transaction.
type Notifier interface {
	AddNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error
}

// NewOrder is everything CreateOrder persists. Items are already priced.
type NewOrder struct {
	User          domain.UserRef
	Customer      domain.Customer
	Items         []domain.OrderItem
	Totals        domain.CartTotals
	Currency      string
	PaymentMethod string
}

type Ledger struct {
	db       *sql.DB
	issuer   Issuer
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewLedger(db *sql.DB, issuer Issuer, notifier Notifier, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:       db,
		issuer:   issuer,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewOrderNumber returns "LF-" followed by 32 uppercase hex characters.
func NewOrderNumber() string {
	id := uuid.New()
	return "LF-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

func persistence(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
}

// CreateOrder inserts the order and its line item snapshots atomically.
func (l *Ledger) CreateOrder(ctx context.Context, in NewOrder) (*domain.Order, error) {
	now := l.now()
	order := &domain.Order{
		ID:            uuid.New().String(),
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
		IsDonation:    in.Totals.Total.IsZero() && in.PaymentMethod == domain.PaymentMethodFree,
		PaymentData:   json.RawMessage(`{}`),
		CreatedAt:     now,
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence(err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID sql.NullString
	if id, ok := order.User.ID(); ok {
		userID = sql.NullString{String: id, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, user_id, customer_email, customer_first_name, customer_last_name,
		                    customer_phone, customer_country, subtotal, tax, total, currency, status,
		                    payment_method, is_donation, payment_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, order.ID, order.Number, userID, order.Customer.Email, order.Customer.FirstName, order.Customer.LastName,
		order.Customer.Phone, order.Customer.Country, order.Subtotal, order.Tax, order.Total, order.Currency,
		order.Status, order.PaymentMethod, order.IsDonation, string(order.PaymentData), order.CreatedAt)
	if err != nil {
		return nil, persistence(fmt.Errorf("insert order: %w", err))
	}

	for position, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, product_name, unit_price, quantity, subtotal, is_free)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, uuid.New().String(), order.ID, position, item.ProductID, item.ProductName, item.UnitPrice,
			item.Quantity, item.Subtotal, item.IsFree)
		if err != nil {
			return nil, persistence(fmt.Errorf("insert order item: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence(err)
	}

	l.logger.Info("order created", "order_number", order.Number, "total", order.Total.StringFixed(2),
		"payment_method", order.PaymentMethod, "guest", order.User.IsGuest())
	return order, nil
}

// Complete moves a pending order to completed and issues its licenses. Calling
// it again for the same order returns the stored grants without writing.
func (l *Ledger) Complete(ctx context.Context, orderRef, gatewayPaymentID string, extra map[string]any) (domain.CompletionResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompletionResult{}, persistence(err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderRef, true)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	result := domain.CompletionResult{OrderNumber: order.Number, Status: order.Status, Replayed: true}
	switch order.Status {
	case domain.OrderStatusCompleted:
		result.Grants, err = licenses.LoadGrants(ctx, tx, order.ID)
		if err != nil {
			return domain.CompletionResult{}, persistence(err)
		}
		l.logger.Info("completion replayed", "order_number", order.Number)
		return result, nil
	case domain.OrderStatusFailed:
		l.logger.Warn("completion ignored for failed order", "order_number", order.Number)
		result.Grants = []domain.LicenseGrant{}
		return result, nil
	}

	if order.User.IsGuest() {
		if err := l.backfillUser(ctx, tx, order); err != nil {
			return domain.CompletionResult{}, persistence(err)
		}
	}

	payload, err := mergePayload(extra)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	now := l.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'completed',
		    gateway_payment_id = COALESCE(NULLIF($2, ''), gateway_payment_id),
		    payment_data = payment_data || $3::jsonb,
		    completed_at = $4,
		    updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`, order.ID, gatewayPaymentID, payload, now)
	if err != nil {
		return domain.CompletionResult{}, persistence(fmt.Errorf("complete order: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.CompletionResult{}, persistence(err)
	}
	if n != 1 {
		return domain.CompletionResult{}, persistence(fmt.Errorf("complete order: pending guard matched %d rows", n))
	}
	order.Status = domain.OrderStatusCompleted
	order.CompletedAt = &now

	grants, err := l.issuer.Issue(ctx, tx, order)
	if err != nil {
		return domain.CompletionResult{}, persistence(err)
	}

	if err := l.notifier.AddNotification(ctx, tx, completedNotification(order, grants, now)); err != nil {
		return domain.CompletionResult{}, persistence(err)
	}

	if err := tx.Commit(); err != nil {
		return domain.CompletionResult{}, persistence(err)
	}

	l.logger.Info("order completed", "order_number", order.Number, "grants", len(grants),
		"gateway_payment_id", gatewayPaymentID)
	return domain.CompletionResult{
		OrderNumber: order.Number,
		Status:      domain.OrderStatusCompleted,
		Grants:      grants,
	}, nil
}

// Fail records a declined payment. Terminal orders are left untouched.
func (l *Ledger) Fail(ctx context.Context, orderRef, reason string, extra map[string]any) (domain.CompletionResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompletionResult{}, persistence(err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderRef, true)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	if order.Status.IsTerminal() {
		l.logger.Warn("failure ignored for terminal order", "order_number", order.Number, "status", order.Status)
		return domain.CompletionResult{OrderNumber: order.Number, Status: order.Status, Replayed: true}, nil
	}

	payload, err := mergePayload(extra)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'failed', failure_reason = $2, payment_data = payment_data || $3::jsonb, updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`, order.ID, reason, payload, l.now())
	if err != nil {
		return domain.CompletionResult{}, persistence(fmt.Errorf("fail order: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return domain.CompletionResult{}, persistence(err)
	}

	l.logger.Info("order failed", "order_number", order.Number, "reason", reason)
	return domain.CompletionResult{OrderNumber: order.Number, Status: domain.OrderStatusFailed}, nil
}

// Get returns the order with its items, or ErrUnknownOrder.
func (l *Ledger) Get(ctx context.Context, orderRef string) (*domain.Order, error) {
	return loadOrder(ctx, l.db, orderRef, false)
}

func (l *Ledger) Grants(ctx context.Context, orderID string) ([]domain.LicenseGrant, error) {
	return licenses.LoadGrants(ctx, l.db, orderID)
}

func (l *Ledger) backfillUser(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	userID, ok, err := identity.FindIDByEmail(ctx, tx, order.Customer.Email)
	if err != nil || !ok {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET user_id = $2 WHERE id = $1`, order.ID, userID); err != nil {
		return fmt.Errorf("backfill order user: %w", err)
	}
	order.User = domain.KnownUser(userID)
	l.logger.Info("order linked to existing user", "order_number", order.Number)
	return nil
}

func mergePayload(extra map[string]any) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("encode payment data: %w", err)
	}
	return string(b), nil
}

func completedNotification(order *domain.Order, grants []domain.LicenseGrant, at time.Time) domain.Notification {
	vars := map[string]string{
		"order_number": order.Number,
		"first_name":   order.Customer.FirstName,
		"total":        order.Total.StringFixed(2),
		"currency":     order.Currency,
		"items":        fmt.Sprintf("%d", len(order.Items)),
	}
	if order.User.IsGuest() {
		vars["guest_download_until"] = order.CreatedAt.Add(domain.GuestDownloadWindow).Format(time.RFC3339)
	}
	licensed := 0
	for _, g := range grants {
		if g.Kind == domain.GrantLicense {
			licensed++
		}
	}
	vars["licenses"] = fmt.Sprintf("%d", licensed)

	return domain.Notification{
		Type:              domain.NotificationOrderCompleted,
		RecipientEmail:    order.Customer.Email,
		TemplateVariables: vars,
		Timestamp:         at,
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadOrder(ctx context.Context, q queryer, orderRef string, forUpdate bool) (*domain.Order, error) {
	query := `
		SELECT id, order_number, user_id, customer_email, customer_first_name, customer_last_name,
		       customer_phone, customer_country, subtotal, tax, total, currency, status, payment_method,
		       gateway_payment_id, is_donation, payment_data, failure_reason, created_at, completed_at
		FROM orders
		WHERE order_number = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		o           domain.Order
		userID      sql.NullString
		paymentID   sql.NullString
		paymentData []byte
		completedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, orderRef).Scan(&o.ID, &o.Number, &userID, &o.Customer.Email,
		&o.Customer.FirstName, &o.Customer.LastName, &o.Customer.Phone, &o.Customer.Country,
		&o.Subtotal, &o.Tax, &o.Total, &o.Currency, &o.Status, &o.PaymentMethod, &paymentID,
		&o.IsDonation, &paymentData, &o.FailureReason, &o.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOrder, orderRef)
		}
		return nil, persistence(fmt.Errorf("load order: %w", err))
	}

	if userID.Valid {
		o.User = domain.KnownUser(userID.String)
	}
	o.GatewayPaymentID = paymentID.String
	o.PaymentData = json.RawMessage(paymentData)
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, product_name, unit_price, quantity, subtotal, is_free
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, o.ID)
	if err != nil {
		return nil, persistence(fmt.Errorf("load order items: %w", err))
	}
	defer func() { _ = rows.Close() }()

	o.Items = []domain.OrderItem{}
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.UnitPrice, &item.Quantity,
			&item.Subtotal, &item.IsFree); err != nil {
			return nil, persistence(fmt.Errorf("scan order item: %w", err))
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err)
	}

	return &o, nil
}
