package commerce

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder() Order {
	return Order{
		ID:        "100",
		Name:      "#100",
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		LineItems: []LineItem{
			{ID: "1", ProductID: "77", Price: decimal.RequireFromString("10")},
		},
	}
}

func TestSanitizeRejectsBrokenHeader(t *testing.T) {
	order := validOrder()
	order.Name = ""

	_, problems, ok := Sanitize(order)
	assert.False(t, ok)
	require.Len(t, problems, 1)
	assert.Equal(t, "name", problems[0].Field)
	assert.Equal(t, "100", problems[0].OrderID)
}

func TestSanitizeDropsMalformedItems(t *testing.T) {
	order := validOrder()
	order.LineItems = append(order.LineItems,
		LineItem{ID: "2"},
		LineItem{ID: "3", ProductID: "77", Price: decimal.RequireFromString("-1")},
		LineItem{ID: "1", ProductID: "78"},
	)
	order.Refunds = []Refund{
		{ID: "r-1", RefundLineItems: []RefundLineItem{{LineItemID: "1", Restock: true}, {}}},
		{},
	}

	clean, problems, ok := Sanitize(order)
	require.True(t, ok)
	require.Len(t, clean.LineItems, 1)
	assert.Equal(t, FlexID("1"), clean.LineItems[0].ID)
	require.Len(t, clean.Refunds, 1)
	assert.Len(t, clean.Refunds[0].RefundLineItems, 1)

	fields := make([]string, 0, len(problems))
	for _, p := range problems {
		fields = append(fields, p.Field)
	}
	assert.ElementsMatch(t, []string{"product_id", "price", "id", "line_item_id", "id"}, fields)
	for _, p := range problems {
		assert.Equal(t, "100", p.OrderID)
	}
	assert.Len(t, order.LineItems, 4)
}

func TestSanitizeRefundStandalone(t *testing.T) {
	clean, problems, ok := SanitizeRefund(Refund{ID: "r-1", OrderID: "100", RefundLineItems: []RefundLineItem{{LineItemID: "1"}}})
	require.True(t, ok)
	assert.Empty(t, problems)
	assert.Equal(t, FlexID("100"), clean.OrderID)

	_, problems, ok = SanitizeRefund(Refund{})
	assert.False(t, ok)
	require.Len(t, problems, 1)
	assert.Equal(t, "id", problems[0].Field)
}
