package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserLicense struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ProductID     string    `json:"product_id"`
	DownloadsUsed int       `json:"downloads_used"`
	DownloadLimit int       `json:"download_limit"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DownloadsRemaining never goes below zero even if the limit was lowered by hand.
func (l *UserLicense) DownloadsRemaining() int {
	if l.DownloadsUsed >= l.DownloadLimit {
		return 0
	}
	return l.DownloadLimit - l.DownloadsUsed
}

type RenewalType string

const (
	RenewalPurchase    RenewalType = "purchase"
	RenewalAdminManual RenewalType = "admin_manual"
	RenewalPromotion   RenewalType = "promotion"
)

// ActorSystem marks renewals made by the purchase pipeline.
const ActorSystem = "system"

type LicenseRenewal struct {
	ID                string           `json:"id"`
	LicenseID         string           `json:"license_id"`
	Type              RenewalType      `json:"renewal_type"`
	PreviousExpiresAt *time.Time       `json:"previous_expires_at,omitempty"`
	NewExpiresAt      time.Time        `json:"new_expires_at"`
	MonthsAdded       int              `json:"months_added"`
	DownloadsAdded    int              `json:"downloads_added"`
	Actor             string           `json:"actor"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	OrderID           string           `json:"order_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

type GrantKind string

const (
	// GrantLicense is backed by a durable user_licenses row.
	GrantLicense GrantKind = "license"
	// GrantGuest is a time-boxed, order-number based download entitlement.
	GrantGuest GrantKind = "guest"
	// GrantFree acknowledges a free line item; no license is required.
	GrantFree GrantKind = "free"
)

// LicenseGrant is the per line item outcome of issuing licenses for an order.
type LicenseGrant struct {
	ProductID        string    `json:"product_id"`
	Kind             GrantKind `json:"kind"`
	LicenseID        string    `json:"license_id,omitempty"`
	DownloadsGranted int       `json:"downloads_granted"`
	DownloadLimit    int       `json:"download_limit,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// GuestDownloadWindow is how long an order number works as a download link for guests.
const GuestDownloadWindow = 30 * 24 * time.Hour
