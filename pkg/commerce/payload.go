// Package commerce defines the narrow, typed boundary between the commerce
// platform's order payloads and the edition ledger. The ledger treats these
// values as read-only inputs.
package commerce

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FlexID accepts identifiers the platform emits either as JSON numbers or strings.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// Ptr returns nil for an empty id.
func (f FlexID) Ptr() *string {
	if f == "" {
		return nil
	}
	s := string(f)
	return &s
}

// Order is one order record as delivered by bulk sync, incremental sync or webhooks.
type Order struct {
	ID                FlexID     `json:"id" validate:"required"`
	Name              string     `json:"name" validate:"required"`
	CreatedAt         time.Time  `json:"created_at" validate:"required"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
	FinancialStatus   string     `json:"financial_status"`
	FulfillmentStatus *string    `json:"fulfillment_status"`
	CancelledAt       *time.Time `json:"cancelled_at"`
	Refunds           []Refund   `json:"refunds"`
	LineItems         []LineItem `json:"line_items"`
}

// LastChanged returns the platform update time, falling back to creation.
func (o Order) LastChanged() time.Time {
	if o.UpdatedAt != nil {
		return *o.UpdatedAt
	}
	return o.CreatedAt
}

// Refund is one refund event. Standalone refund webhooks carry OrderID.
type Refund struct {
	ID              FlexID           `json:"id" validate:"required"`
	OrderID         FlexID           `json:"order_id"`
	CreatedAt       *time.Time       `json:"created_at,omitempty"`
	RefundLineItems []RefundLineItem `json:"refund_line_items"`
}

// RefundLineItem names one refunded unit and whether stock went back on the shelf.
type RefundLineItem struct {
	LineItemID  FlexID `json:"line_item_id" validate:"required"`
	Restock     bool   `json:"restock"`
	RestockType string `json:"restock_type,omitempty"`
}

var restockingTypes = map[string]struct{}{
	"return":         {},
	"cancel":         {},
	"legacy_restock": {},
}

// IsRestock reports whether the refund line returned the unit to stock. Newer
// platform payloads only carry restock_type.
func (r RefundLineItem) IsRestock() bool {
	if r.Restock {
		return true
	}
	_, ok := restockingTypes[strings.ToLower(strings.TrimSpace(r.RestockType))]
	return ok
}

// LineItem is one sold unit within an order.
type LineItem struct {
	ID                FlexID          `json:"id" validate:"required"`
	ProductID         FlexID          `json:"product_id" validate:"required"`
	VariantID         FlexID          `json:"variant_id"`
	Title             string          `json:"title"`
	Price             decimal.Decimal `json:"price"`
	Vendor            string          `json:"vendor"`
	FulfillmentStatus *string         `json:"fulfillment_status"`
}

// FulfillmentStatusValue dereferences the nullable status.
func (l LineItem) FulfillmentStatusValue() string {
	if l.FulfillmentStatus == nil {
		return ""
	}
	return *l.FulfillmentStatus
}

var (
	numericID   = regexp.MustCompile(`^[0-9]+$`)
	globalIDRef = regexp.MustCompile(`^gid://[A-Za-z0-9_-]+/Order/([0-9]+)$`)
)

// NormalizeOrderID returns the id ledger rows are keyed by and whether it is
// in the platform-canonical form. Canonical ids are bare digits or a platform
// global id (gid://<platform>/Order/<digits>), which collapses to its digits.
// Anything else is a provisional identifier from an alternate ingestion path.
func NormalizeOrderID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if numericID.MatchString(id) {
		return id, true
	}
	if m := globalIDRef.FindStringSubmatch(id); m != nil {
		return m[1], true
	}
	return id, false
}
