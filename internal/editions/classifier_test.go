package editions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

func strPtr(s string) *string { return &s }

func TestClassify(t *testing.T) {
	cancelledAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		order   commerce.Order
		item    commerce.LineItem
		want    enums.LineItemStatus
		unknown bool
	}{
		{
			name:  "paid order is active",
			order: commerce.Order{FinancialStatus: "paid"},
			item:  commerce.LineItem{ID: "1"},
			want:  enums.LineItemStatusActive,
		},
		{
			name:  "pending order is active",
			order: commerce.Order{FinancialStatus: "PENDING"},
			item:  commerce.LineItem{ID: "1"},
			want:  enums.LineItemStatusActive,
		},
		{
			name:  "refunded but fulfilled stays active",
			order: commerce.Order{FinancialStatus: "refunded"},
			item:  commerce.LineItem{ID: "1", FulfillmentStatus: strPtr("fulfilled")},
			want:  enums.LineItemStatusActive,
		},
		{
			name:  "refunded and unfulfilled is inactive",
			order: commerce.Order{FinancialStatus: "refunded"},
			item:  commerce.LineItem{ID: "1"},
			want:  enums.LineItemStatusInactive,
		},
		{
			name:  "voided is inactive even when fulfilled",
			order: commerce.Order{FinancialStatus: "voided"},
			item:  commerce.LineItem{ID: "1", FulfillmentStatus: strPtr("fulfilled")},
			want:  enums.LineItemStatusInactive,
		},
		{
			name:  "cancelled paid order is inactive",
			order: commerce.Order{FinancialStatus: "paid", CancelledAt: &cancelledAt},
			item:  commerce.LineItem{ID: "1"},
			want:  enums.LineItemStatusInactive,
		},
		{
			name: "restocked item is inactive",
			order: commerce.Order{
				FinancialStatus: "partially_refunded",
				Refunds: []commerce.Refund{{ID: "r1", RefundLineItems: []commerce.RefundLineItem{
					{LineItemID: "1", Restock: true},
				}}},
			},
			item: commerce.LineItem{ID: "1", FulfillmentStatus: strPtr("fulfilled")},
			want: enums.LineItemStatusInactive,
		},
		{
			name: "restock_type return counts as restock",
			order: commerce.Order{
				FinancialStatus: "paid",
				Refunds: []commerce.Refund{{ID: "r1", RefundLineItems: []commerce.RefundLineItem{
					{LineItemID: "1", RestockType: "return"},
				}}},
			},
			item: commerce.LineItem{ID: "1"},
			want: enums.LineItemStatusInactive,
		},
		{
			name: "refund without restock leaves paid item active",
			order: commerce.Order{
				FinancialStatus: "paid",
				Refunds: []commerce.Refund{{ID: "r1", RefundLineItems: []commerce.RefundLineItem{
					{LineItemID: "1", RestockType: "no_restock"},
				}}},
			},
			item: commerce.LineItem{ID: "1"},
			want: enums.LineItemStatusActive,
		},
		{
			name: "restock of another line item does not apply",
			order: commerce.Order{
				FinancialStatus: "paid",
				Refunds: []commerce.Refund{{ID: "r1", RefundLineItems: []commerce.RefundLineItem{
					{LineItemID: "2", Restock: true},
				}}},
			},
			item: commerce.LineItem{ID: "1"},
			want: enums.LineItemStatusActive,
		},
		{
			name:    "unknown financial status is not actionable",
			order:   commerce.Order{FinancialStatus: "on_hold"},
			item:    commerce.LineItem{ID: "1"},
			want:    enums.LineItemStatusInactive,
			unknown: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.order, tc.item)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.unknown, got.UnknownFinancialStatus)
		})
	}
}

func TestClassifyStoredMatchesPayloadRules(t *testing.T) {
	order := models.LedgerOrder{OrderID: "100", FinancialStatus: enums.FinancialStatusPaid}
	item := models.LedgerLineItem{LineItemID: "1", OrderID: "100"}

	assert.Equal(t, enums.LineItemStatusActive, ClassifyStored(order, nil, item).Status)

	refunds := []models.LedgerRefund{
		{RefundID: "r1", LineItemID: "2", OrderID: "100", Restock: true},
		{RefundID: "r2", LineItemID: "1", OrderID: "100", Restock: false},
	}
	assert.Equal(t, enums.LineItemStatusActive, ClassifyStored(order, refunds, item).Status)

	refunds = append(refunds, models.LedgerRefund{RefundID: "r3", LineItemID: "1", OrderID: "100", Restock: true})
	got := ClassifyStored(order, refunds, item)
	assert.Equal(t, enums.LineItemStatusInactive, got.Status)
	assert.True(t, got.Restocked)
}
