package licenses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

const licenseColumns = `id, user_id, product_id, downloads_used, download_limit, expires_at, is_active, created_at, updated_at`

type LicenseRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewLicenseRepository(db *sql.DB) *LicenseRepository {
	return &LicenseRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*domain.UserLicense, error) {
	l := &domain.UserLicense{}
	err := row.Scan(&l.ID, &l.UserID, &l.ProductID, &l.DownloadsUsed, &l.DownloadLimit,
		&l.ExpiresAt, &l.IsActive, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (r *LicenseRepository) ListForUser(ctx context.Context, userID string) ([]domain.UserLicense, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+licenseColumns+`
		FROM user_licenses
		WHERE user_id = $1
		ORDER BY product_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	licenses := []domain.UserLicense{}
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return licenses, nil
}

// Get returns nil, nil when the license does not exist.
func (r *LicenseRepository) Get(ctx context.Context, id string) (*domain.UserLicense, error) {
	l, err := scanLicense(r.db.QueryRowContext(ctx, `
		SELECT `+licenseColumns+`
		FROM user_licenses
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// ConsumeDownload spends one download. The guard in the WHERE clause keeps
// downloads_used <= download_limit under concurrent requests.
func (r *LicenseRepository) ConsumeDownload(ctx context.Context, id string) (*domain.UserLicense, error) {
	l, err := scanLicense(r.db.QueryRowContext(ctx, `
		UPDATE user_licenses
		SET downloads_used = downloads_used + 1, updated_at = $2
		WHERE id = $1 AND is_active AND downloads_used < download_limit
		RETURNING `+licenseColumns,
		id, r.now()))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason := RefusalReason(current); reason != nil {
		return nil, reason
	}
	// the license changed between the two statements; report the refusal as is
	return nil, domain.ErrQuotaExhausted
}

// RefusalReason explains why a download against the license cannot proceed.
// Expiry only limits update eligibility, not downloads.
func RefusalReason(l *domain.UserLicense) error {
	switch {
	case l == nil:
		return domain.ErrLicenseNotFound
	case !l.IsActive:
		return domain.ErrLicenseInactive
	case l.DownloadsRemaining() == 0:
		return domain.ErrQuotaExhausted
	default:
		return nil
	}
}

type Extension struct {
	Type      domain.RenewalType `json:"renewal_type" validate:"required,oneof=admin_manual promotion"`
	Months    int                `json:"months" validate:"gte=0,lte=120"`
	Downloads int                `json:"downloads" validate:"gte=0,lte=1000"`
	Actor     string             `json:"actor" validate:"required,max=100"`
	Amount    *decimal.Decimal   `json:"amount,omitempty"`
}

// ExtendedExpiry adds months to whichever is later, the current expiry or now,
// so extending a lapsed license does not hand out time already gone.
func ExtendedExpiry(current, now time.Time, months int) time.Time {
	return MergeExpiry(&current, now).AddDate(0, months, 0)
}

// Extend applies a manual or promotional renewal and records it.
func (r *LicenseRepository) Extend(ctx context.Context, id string, ext Extension) (*domain.UserLicense, *domain.LicenseRenewal, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanLicense(tx.QueryRowContext(ctx, `
		SELECT `+licenseColumns+`
		FROM user_licenses
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, domain.ErrLicenseNotFound
		}
		return nil, nil, err
	}

	now := r.now()
	previous := current.ExpiresAt
	newExpiry := previous
	if ext.Months > 0 {
		newExpiry = ExtendedExpiry(previous, now, ext.Months)
	}

	updated, err := scanLicense(tx.QueryRowContext(ctx, `
		UPDATE user_licenses
		SET expires_at = $2, download_limit = download_limit + $3, is_active = TRUE, updated_at = $4
		WHERE id = $1
		RETURNING `+licenseColumns,
		id, newExpiry, ext.Downloads, now))
	if err != nil {
		return nil, nil, fmt.Errorf("extend license: %w", err)
	}

	renewal := &domain.LicenseRenewal{
		LicenseID:         id,
		Type:              ext.Type,
		PreviousExpiresAt: &previous,
		NewExpiresAt:      newExpiry,
		MonthsAdded:       ext.Months,
		DownloadsAdded:    ext.Downloads,
		Actor:             ext.Actor,
		Amount:            ext.Amount,
	}
	if err := InsertRenewal(ctx, tx, renewal); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return updated, renewal, nil
}

// Deactivate is a soft delete; the row and its renewal history stay.
func (r *LicenseRepository) Deactivate(ctx context.Context, id string) (*domain.UserLicense, error) {
	l, err := scanLicense(r.db.QueryRowContext(ctx, `
		UPDATE user_licenses
		SET is_active = FALSE, updated_at = $2
		WHERE id = $1
		RETURNING `+licenseColumns,
		id, r.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLicenseNotFound
		}
		return nil, err
	}
	return l, nil
}

func (r *LicenseRepository) Renewals(ctx context.Context, licenseID string) ([]domain.LicenseRenewal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, license_id, renewal_type, previous_expires_at, new_expires_at,
		       months_added, downloads_added, actor, amount, order_id, created_at
		FROM license_renewals
		WHERE license_id = $1
		ORDER BY created_at, id
	`, licenseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	renewals := []domain.LicenseRenewal{}
	for rows.Next() {
		var (
			rn       domain.LicenseRenewal
			previous sql.NullTime
			amount   decimal.NullDecimal
			orderID  sql.NullString
		)
		if err := rows.Scan(&rn.ID, &rn.LicenseID, &rn.Type, &previous, &rn.NewExpiresAt,
			&rn.MonthsAdded, &rn.DownloadsAdded, &rn.Actor, &amount, &orderID, &rn.CreatedAt); err != nil {
			return nil, err
		}
		if previous.Valid {
			rn.PreviousExpiresAt = &previous.Time
		}
		if amount.Valid {
			rn.Amount = &amount.Decimal
		}
		rn.OrderID = orderID.String
		renewals = append(renewals, rn)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return renewals, nil
}
