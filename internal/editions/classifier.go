package editions

import (
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// Disposition is the classifier's verdict for one line item together with the
// facts it was derived from.
type Disposition struct {
	Status                 enums.LineItemStatus
	Restocked              bool
	Cancelled              bool
	Fulfilled              bool
	Actionable             bool
	UnknownFinancialStatus bool
}

// orderFacts is the part of an order the status rules read.
type orderFacts struct {
	financialStatus enums.FinancialStatus
	cancelledAt     *time.Time
	restocked       map[string]struct{}
}

func classify(facts orderFacts, lineItemID string, fulfillment enums.FulfillmentStatus) Disposition {
	_, restocked := facts.restocked[lineItemID]
	d := Disposition{
		Restocked:              restocked,
		Cancelled:              facts.financialStatus == enums.FinancialStatusVoided || facts.cancelledAt != nil,
		Fulfilled:              fulfillment.IsFulfilled(),
		Actionable:             facts.financialStatus.IsActionable(),
		UnknownFinancialStatus: !facts.financialStatus.IsKnown(),
	}
	switch {
	case d.Restocked || d.Cancelled:
		d.Status = enums.LineItemStatusInactive
	case d.Actionable || d.Fulfilled:
		d.Status = enums.LineItemStatusActive
	default:
		d.Status = enums.LineItemStatusInactive
	}
	return d
}

// Classify derives the status of a line item from the order payload it arrived in.
// It is pure and total: unknown financial statuses are treated as not actionable.
func Classify(order commerce.Order, item commerce.LineItem) Disposition {
	restocked := make(map[string]struct{})
	for _, refund := range order.Refunds {
		for _, line := range refund.RefundLineItems {
			if line.IsRestock() {
				restocked[line.LineItemID.String()] = struct{}{}
			}
		}
	}
	facts := orderFacts{
		financialStatus: enums.NormalizeFinancialStatus(order.FinancialStatus),
		cancelledAt:     order.CancelledAt,
		restocked:       restocked,
	}
	return classify(facts, item.ID.String(), enums.NormalizeFulfillmentStatus(item.FulfillmentStatusValue()))
}

// ClassifyStored applies the same rules to persisted rows. refunds may contain
// rows for other line items; only restocking rows for this item count.
func ClassifyStored(order models.LedgerOrder, refunds []models.LedgerRefund, item models.LedgerLineItem) Disposition {
	restocked := make(map[string]struct{})
	for _, refund := range refunds {
		if refund.Restock {
			restocked[refund.LineItemID] = struct{}{}
		}
	}
	facts := orderFacts{
		financialStatus: order.FinancialStatus,
		cancelledAt:     order.CancelledAt,
		restocked:       restocked,
	}
	return classify(facts, item.LineItemID, item.FulfillmentStatus)
}
