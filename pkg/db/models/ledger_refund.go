package models

import "time"

// LedgerRefund records one refunded line item within one refund event.
type LedgerRefund struct {
	RefundID   string    `gorm:"column:refund_id;primaryKey"`
	LineItemID string    `gorm:"column:line_item_id;primaryKey"`
	OrderID    string    `gorm:"column:order_id;not null;index:idx_ledger_refunds_order"`
	Restock    bool      `gorm:"column:restock;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (LedgerRefund) TableName() string { return "ledger_refunds" }
