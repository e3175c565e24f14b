package models

import (
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// LedgerProductFlag marks a product whose sequence needs another pass or an operator.
type LedgerProductFlag struct {
	ProductID string                 `gorm:"column:product_id;primaryKey"`
	State     enums.ProductFlagState `gorm:"column:state;not null"`
	Reason    string                 `gorm:"column:reason;not null;default:''"`
	Attempts  int                    `gorm:"column:attempts;not null;default:0"`
	FlaggedAt time.Time              `gorm:"column:flagged_at;not null"`
	UpdatedAt time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (LedgerProductFlag) TableName() string { return "ledger_product_flags" }
