package domain

import "github.com/shopspring/decimal"

type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	DownloadQuota int             `json:"download_quota"`
	UpdateMonths  int             `json:"update_months"`
	IsFree        bool            `json:"is_free"`
	IsActive      bool            `json:"is_active"`
}
