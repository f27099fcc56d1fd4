// Package licenses issues, renews and consumes per-user product licenses.
package licenses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/licenseflow/internal/catalog"
	"github.com/joao-fontenele/licenseflow/internal/domain"
)

// Issuer turns a completed order into license grants. Issue is not idempotent
// on its own: the order ledger calls it exactly once, inside the transaction
// that moves the order out of pending.
type Issuer struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewIssuer(logger *slog.Logger) *Issuer {
	return &Issuer{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (i *Issuer) Issue(ctx context.Context, tx *sql.Tx, order *domain.Order) ([]domain.LicenseGrant, error) {
	productIDs := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		productIDs = append(productIDs, item.ProductID)
	}

	products, err := catalog.FindMany(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}

	now := i.now()
	userID, known := order.User.ID()
	grants := make([]domain.LicenseGrant, 0, len(order.Items))

	for position, item := range order.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, item.ProductID)
		}

		var grant domain.LicenseGrant
		switch {
		case item.IsFree || product.IsFree:
			grant = FreeGrant(product, now)
		case !known:
			grant = GuestGrant(product, item.Quantity, order.CreatedAt)
		default:
			grant, err = i.upsertLicense(ctx, tx, order, userID, product, item, now)
			if err != nil {
				return nil, err
			}
		}

		if err := insertGrant(ctx, tx, order.ID, position, grant); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}

	i.logger.Info("licenses issued", "order_number", order.Number, "grants", len(grants), "guest", !known)
	return grants, nil
}

// FreeGrant acknowledges a free line item; nothing durable is created for it.
func FreeGrant(product domain.Product, now time.Time) domain.LicenseGrant {
	return domain.LicenseGrant{
		ProductID: product.ID,
		Kind:      domain.GrantFree,
		ExpiresAt: now.AddDate(0, product.UpdateMonths, 0),
	}
}

// GuestGrant describes the time-boxed entitlement of an order without an account.
func GuestGrant(product domain.Product, quantity int, orderCreatedAt time.Time) domain.LicenseGrant {
	return domain.LicenseGrant{
		ProductID:        product.ID,
		Kind:             domain.GrantGuest,
		DownloadsGranted: product.DownloadQuota * quantity,
		ExpiresAt:        orderCreatedAt.Add(domain.GuestDownloadWindow),
	}
}

// MergeExpiry never shortens an entitlement.
func MergeExpiry(existing *time.Time, candidate time.Time) time.Time {
	if existing != nil && existing.After(candidate) {
		return *existing
	}
	return candidate
}

func (i *Issuer) upsertLicense(ctx context.Context, tx *sql.Tx, order *domain.Order, userID string, product domain.Product, item domain.OrderItem, now time.Time) (domain.LicenseGrant, error) {
	downloads := product.DownloadQuota * item.Quantity
	candidateExpiry := now.AddDate(0, product.UpdateMonths, 0)

	var previous *time.Time
	var current time.Time
	err := tx.QueryRowContext(ctx, `
		SELECT expires_at FROM user_licenses
		WHERE user_id = $1 AND product_id = $2
		FOR UPDATE
	`, userID, product.ID).Scan(&current)
	switch {
	case err == nil:
		previous = &current
	case errors.Is(err, sql.ErrNoRows):
	default:
		return domain.LicenseGrant{}, fmt.Errorf("lock license: %w", err)
	}

	var (
		licenseID string
		limit     int
		expiresAt time.Time
	)
	// The conflict branch covers a license created by a concurrent order after the lock above.
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_licenses (id, user_id, product_id, downloads_used, download_limit, expires_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, TRUE, $6, $6)
		ON CONFLICT (user_id, product_id) DO UPDATE
		SET download_limit = user_licenses.download_limit + EXCLUDED.download_limit,
		    expires_at = GREATEST(user_licenses.expires_at, EXCLUDED.expires_at),
		    is_active = TRUE,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, download_limit, expires_at
	`, uuid.New().String(), userID, product.ID, downloads, candidateExpiry, now).Scan(&licenseID, &limit, &expiresAt)
	if err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("upsert license: %w", err)
	}

	amount := item.Subtotal
	renewal := domain.LicenseRenewal{
		LicenseID:         licenseID,
		Type:              domain.RenewalPurchase,
		PreviousExpiresAt: previous,
		NewExpiresAt:      expiresAt,
		MonthsAdded:       product.UpdateMonths,
		DownloadsAdded:    downloads,
		Actor:             domain.ActorSystem,
		Amount:            &amount,
		OrderID:           order.ID,
	}
	if err := InsertRenewal(ctx, tx, &renewal); err != nil {
		return domain.LicenseGrant{}, err
	}

	return domain.LicenseGrant{
		ProductID:        product.ID,
		Kind:             domain.GrantLicense,
		LicenseID:        licenseID,
		DownloadsGranted: downloads,
		DownloadLimit:    limit,
		ExpiresAt:        expiresAt,
	}, nil
}

// InsertRenewal appends an audit row. Renewal rows are never updated.
func InsertRenewal(ctx context.Context, tx *sql.Tx, renewal *domain.LicenseRenewal) error {
	renewal.ID = uuid.New().String()

	var amount sql.NullString
	if renewal.Amount != nil {
		amount = sql.NullString{String: renewal.Amount.StringFixed(2), Valid: true}
	}
	var orderID sql.NullString
	if renewal.OrderID != "" {
		orderID = sql.NullString{String: renewal.OrderID, Valid: true}
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO license_renewals (id, license_id, renewal_type, previous_expires_at, new_expires_at,
		                              months_added, downloads_added, actor, amount, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, renewal.ID, renewal.LicenseID, renewal.Type, renewal.PreviousExpiresAt, renewal.NewExpiresAt,
		renewal.MonthsAdded, renewal.DownloadsAdded, renewal.Actor, amount, orderID).Scan(&renewal.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert license renewal: %w", err)
	}
	return nil
}

func insertGrant(ctx context.Context, tx *sql.Tx, orderID string, position int, grant domain.LicenseGrant) error {
	var licenseID sql.NullString
	if grant.LicenseID != "" {
		licenseID = sql.NullString{String: grant.LicenseID, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO license_grants (id, order_id, position, product_id, kind, user_license_id,
		                            downloads_granted, download_limit, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New().String(), orderID, position, grant.ProductID, grant.Kind, licenseID,
		grant.DownloadsGranted, grant.DownloadLimit, grant.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert license grant: %w", err)
	}
	return nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadGrants returns the grants stored for an order, in line item order.
func LoadGrants(ctx context.Context, q Querier, orderID string) ([]domain.LicenseGrant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, kind, user_license_id, downloads_granted, download_limit, expires_at
		FROM license_grants
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query license grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	grants := []domain.LicenseGrant{}
	for rows.Next() {
		var g domain.LicenseGrant
		var licenseID sql.NullString
		if err := rows.Scan(&g.ProductID, &g.Kind, &licenseID, &g.DownloadsGranted, &g.DownloadLimit, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan license grant: %w", err)
		}
		g.LicenseID = licenseID.String
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}
