package editions

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
	"github.com/angelmondragon/edition-ledger/pkg/outbox"
	"github.com/angelmondragon/edition-ledger/pkg/outbox/payloads"
)

const passProducer = "edition-ledger"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// PassResult summarizes one committed resequencing pass.
type PassResult struct {
	ProductID string
	Total     int
	Changed   int
	Issued    int
	// Renumbered counts certified items whose visible number moved.
	Renumbered int
	Noop       bool
}

// PassParams wires a Pass.
type PassParams struct {
	DB     txRunner
	Repo   *Repository
	Issuer *Issuer
	Outbox eventEmitter
	Logger *logger.Logger
	Clock  func() time.Time
}

// Pass recomputes one product's edition sequence inside a single transaction.
type Pass struct {
	db     txRunner
	repo   *Repository
	issuer *Issuer
	outbox eventEmitter
	logg   *logger.Logger
	now    func() time.Time
}

// NewPass validates the wiring of a Pass.
func NewPass(p PassParams) (*Pass, error) {
	if p.DB == nil {
		return nil, errors.New("transaction runner required")
	}
	if p.Repo == nil {
		return nil, errors.New("ledger repository required")
	}
	if p.Issuer == nil {
		return nil, errors.New("certificate issuer required")
	}
	if p.Outbox == nil {
		return nil, errors.New("outbox emitter required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger required")
	}
	now := p.Clock
	if now == nil {
		now = time.Now
	}
	return &Pass{db: p.DB, repo: p.Repo, issuer: p.Issuer, outbox: p.Outbox, logg: p.Logger, now: now}, nil
}

type itemBefore struct {
	status    enums.LineItemStatus
	restocked bool
	number    *int
}

// Run reads every line item of the product, reclassifies it, renumbers the
// active ones, issues missing certificates and writes the rows that changed.
// Nothing is written when the result would violate a ledger invariant.
func (p *Pass) Run(ctx context.Context, productID string) (PassResult, error) {
	res := PassResult{ProductID: productID}
	err := p.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := p.repo.WithTx(tx)
		items, err := repo.ListProductItems(ctx, productID)
		if err != nil {
			return err
		}

		orderIDs := make(map[string]struct{}, len(items))
		lineItemIDs := make(map[string]struct{}, len(items))
		for _, item := range items {
			orderIDs[item.OrderID] = struct{}{}
			lineItemIDs[item.LineItemID] = struct{}{}
		}
		orders, err := repo.ListOrders(ctx, sortedKeys(orderIDs))
		if err != nil {
			return err
		}
		refunds, err := repo.RefundsForLineItems(ctx, sortedKeys(lineItemIDs))
		if err != nil {
			return err
		}

		before := make([]itemBefore, len(items))
		snapshots := make([]ItemSnapshot, len(items))
		index := make(map[ItemKey]int, len(items))
		for i := range items {
			item := &items[i]
			before[i] = itemBefore{status: item.Status, restocked: item.Restocked, number: item.EditionNumber}

			disp := p.classify(ctx, orders, refunds, *item)
			item.Status = disp.Status
			item.Restocked = disp.Restocked

			key := ItemKey{LineItemID: item.LineItemID, OrderID: item.OrderID}
			index[key] = i
			snapshots[i] = ItemSnapshot{
				Key:           key,
				Status:        item.Status,
				CreatedAt:     item.CreatedAt,
				EditionNumber: item.EditionNumber,
				EditionTotal:  item.EditionTotal,
			}
		}

		assignments := Sequence(snapshots)
		for _, a := range assignments {
			if a.EditionTotal != nil {
				res.Total = *a.EditionTotal
			}
		}
		moved := make(map[ItemKey]struct{})
		for _, a := range Diff(snapshots, assignments) {
			item := &items[index[a.Key]]
			item.EditionNumber = a.EditionNumber
			item.EditionTotal = a.EditionTotal
			moved[a.Key] = struct{}{}
		}

		now := p.now().UTC()
		changed := make([]models.LedgerLineItem, 0)
		changes := make([]payloads.EditionChange, 0)
		for i := range items {
			item := &items[i]
			issued := false
			if item.Status == enums.LineItemStatusActive {
				issued = p.issuer.Issue(item)
			}
			b := before[i]
			_, renumbered := moved[ItemKey{LineItemID: item.LineItemID, OrderID: item.OrderID}]
			if !issued && !renumbered && b.status == item.Status && b.restocked == item.Restocked {
				continue
			}
			if issued {
				res.Issued++
			}
			if b.status == enums.LineItemStatusActive && item.Status == enums.LineItemStatusActive &&
				item.HasCertificate() && !equalIntPtr(b.number, item.EditionNumber) && b.number != nil {
				res.Renumbered++
			}
			item.UpdatedAt = now
			changed = append(changed, *item)
			changes = append(changes, payloads.EditionChange{
				LineItemID:        item.LineItemID,
				OrderID:           item.OrderID,
				Status:            item.Status.String(),
				EditionNumber:     item.EditionNumber,
				EditionTotal:      item.EditionTotal,
				CertificateIssued: issued,
			})
		}

		if violations := CheckInvariants(items); len(violations) > 0 {
			return invariantError(productID, violations)
		}

		if err := repo.ClearFlag(ctx, productID); err != nil {
			return err
		}
		res.Changed = len(changed)
		if len(changed) == 0 {
			res.Noop = true
			return nil
		}
		if err := repo.UpsertEditionBatch(ctx, changed); err != nil {
			return err
		}
		return p.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventEditionsResequenced,
			AggregateType: enums.AggregateProduct,
			AggregateID:   productID,
			Producer:      passProducer,
			Data: payloads.EditionsResequencedEvent{
				ProductID: productID,
				Total:     res.Total,
				Changes:   changes,
			},
		})
	})
	if err != nil {
		return PassResult{ProductID: productID}, err
	}
	if res.Renumbered > 0 {
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
			"product_id":  productID,
			"renumbered":  res.Renumbered,
			"edition_max": res.Total,
		}), "issued edition numbers shifted")
	}
	return res, nil
}

func (p *Pass) classify(ctx context.Context, orders map[string]models.LedgerOrder, refunds map[string][]models.LedgerRefund, item models.LedgerLineItem) Disposition {
	order, ok := orders[item.OrderID]
	if !ok {
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
			"line_item_id": item.LineItemID,
			"order_id":     item.OrderID,
		}), "line item has no stored order; treating as inactive")
		return Disposition{Status: enums.LineItemStatusInactive}
	}
	own := make([]models.LedgerRefund, 0, len(refunds[item.LineItemID]))
	for _, r := range refunds[item.LineItemID] {
		if r.OrderID == item.OrderID {
			own = append(own, r)
		}
	}
	disp := ClassifyStored(order, own, item)
	if disp.UnknownFinancialStatus {
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
			"order_id":         order.OrderID,
			"financial_status": order.FinancialStatus,
		}), "unknown financial status; line item treated as not actionable")
	}
	return disp
}

// Verify re-reads the committed sequence of a product and checks it.
func (p *Pass) Verify(ctx context.Context, productID string) ([]Violation, error) {
	items, err := p.repo.ProductItems(ctx, productID)
	if err != nil {
		return nil, err
	}
	return CheckInvariants(items), nil
}
