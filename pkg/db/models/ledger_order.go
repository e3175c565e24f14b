package models

import (
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// LedgerOrder is the ledger's copy of one commercial transaction. Raw columns
// are written by ingestion; nothing here is derived.
type LedgerOrder struct {
	OrderID           string                  `gorm:"column:order_id;primaryKey"`
	OrderName         string                  `gorm:"column:order_name;not null;index:idx_ledger_orders_name"`
	Source            enums.OrderSource       `gorm:"column:source;not null"`
	FinancialStatus   enums.FinancialStatus   `gorm:"column:financial_status;not null"`
	FulfillmentStatus enums.FulfillmentStatus `gorm:"column:fulfillment_status;not null;default:''"`
	CancelledAt       *time.Time              `gorm:"column:cancelled_at"`
	PlacedAt          time.Time               `gorm:"column:placed_at;not null"`
	PlatformUpdatedAt *time.Time              `gorm:"column:platform_updated_at"`
	CreatedAt         time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (LedgerOrder) TableName() string { return "ledger_orders" }

// LastChanged returns the platform update time, falling back to placement.
func (o LedgerOrder) LastChanged() time.Time {
	if o.PlatformUpdatedAt != nil {
		return *o.PlatformUpdatedAt
	}
	return o.PlacedAt
}
