package orders

import (
	"context"
	"time"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

// GuestDownload describes a product a guest may fetch using the order number.
type GuestDownload struct {
	OrderNumber      string    `json:"order_number"`
	ProductID        string    `json:"product_id"`
	ProductName      string    `json:"product_name"`
	DownloadsGranted int       `json:"downloads_granted"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type GuestDownloads struct {
	store Store
	now   func() time.Time
}

func NewGuestDownloads(store Store) *GuestDownloads {
	return &GuestDownloads{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Authorize checks that a guest order grants productID and is still inside
// the download window.
func (g *GuestDownloads) Authorize(ctx context.Context, orderNumber, productID string) (*GuestDownload, error) {
	order, err := g.store.Get(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusCompleted {
		return nil, domain.ErrOrderNotCompleted
	}
	if !order.User.IsGuest() {
		return nil, domain.ErrOrderHasAccount
	}
	if !order.HasProduct(productID) {
		return nil, domain.ErrProductNotFound
	}

	expiresAt := order.CreatedAt.Add(domain.GuestDownloadWindow)
	if g.now().After(expiresAt) {
		return nil, domain.ErrGuestWindowExpired
	}

	download := &GuestDownload{
		OrderNumber: order.Number,
		ProductID:   productID,
		ExpiresAt:   expiresAt,
	}
	for _, item := range order.Items {
		if item.ProductID == productID {
			download.ProductName = item.ProductName
			break
		}
	}

	grants, err := g.store.Grants(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	for _, grant := range grants {
		if grant.ProductID == productID {
			download.DownloadsGranted += grant.DownloadsGranted
		}
	}

	return download, nil
}
