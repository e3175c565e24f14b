package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// LedgerLineItem is one sold unit of one product within one order.
//
// Raw columns (product, title, price, fulfillment status) come from ingestion.
// Status, restocked, edition and certificate columns are owned by resequencing
// passes. CreatedAt is the moment the unit entered the ledger and orders the
// product's edition sequence; it is never rewritten.
type LedgerLineItem struct {
	LineItemID          string                  `gorm:"column:line_item_id;primaryKey"`
	OrderID             string                  `gorm:"column:order_id;primaryKey"`
	ProductID           string                  `gorm:"column:product_id;not null;index:idx_ledger_line_items_product"`
	VariantID           *string                 `gorm:"column:variant_id"`
	Title               string                  `gorm:"column:title;not null;default:''"`
	VendorName          string                  `gorm:"column:vendor_name;not null;default:''"`
	Price               decimal.Decimal         `gorm:"column:price;type:numeric(12,2);not null"`
	FulfillmentStatus   enums.FulfillmentStatus `gorm:"column:fulfillment_status;not null;default:''"`
	Restocked           bool                    `gorm:"column:restocked;not null;default:false"`
	Status              enums.LineItemStatus    `gorm:"column:status;not null;default:'inactive'"`
	EditionNumber       *int                    `gorm:"column:edition_number"`
	EditionTotal        *int                    `gorm:"column:edition_total"`
	CertificateToken    *string                 `gorm:"column:certificate_token"`
	CertificateURL      *string                 `gorm:"column:certificate_url"`
	CertificateIssuedAt *time.Time              `gorm:"column:certificate_issued_at"`
	CreatedAt           time.Time               `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time               `gorm:"column:updated_at;not null"`
}

func (LedgerLineItem) TableName() string { return "ledger_line_items" }

// HasCertificate reports whether the write-once certificate identity was issued.
func (l LedgerLineItem) HasCertificate() bool {
	return l.CertificateToken != nil && *l.CertificateToken != ""
}
