package editions

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
	"github.com/angelmondragon/edition-ledger/pkg/metrics"
	"github.com/angelmondragon/edition-ledger/pkg/outbox"
	"github.com/angelmondragon/edition-ledger/pkg/outbox/payloads"
)

// Ingestion sources, used as metric labels and log fields.
const (
	SourceBulkSync        = "bulk_sync"
	SourceIncrementalSync = "incremental_sync"
	SourceWebhook         = "webhook"
	SourceAdmin           = "admin"
)

type notifier interface {
	Notify(ctx context.Context, productIDs ...string)
}

// IngestReport summarizes one ingestion call.
type IngestReport struct {
	Orders          int                `json:"orders"`
	OrdersChanged   int                `json:"ordersChanged"`
	LineItems       int                `json:"lineItems"`
	Skipped         []commerce.Problem `json:"skipped,omitempty"`
	Discarded       []string           `json:"discarded,omitempty"`
	Rekeyed         []Rekey            `json:"rekeyed,omitempty"`
	Unresolved      []string           `json:"unresolved,omitempty"`
	ChangedProducts []string           `json:"changedProducts"`
}

// IngestorParams wires an Ingestor.
type IngestorParams struct {
	DB       txRunner
	Repo     *Repository
	Outbox   eventEmitter
	Notifier notifier
	Logger   *logger.Logger
	Metrics  *metrics.LedgerMetrics
	Clock    func() time.Time
}

// Ingestor writes raw commerce data and tells the coordinator which products
// it touched. It never writes status, edition or certificate columns.
type Ingestor struct {
	db       txRunner
	repo     *Repository
	outbox   eventEmitter
	notifier notifier
	logg     *logger.Logger
	metrics  *metrics.LedgerMetrics
	now      func() time.Time
}

// NewIngestor validates params.
func NewIngestor(p IngestorParams) (*Ingestor, error) {
	if p.DB == nil {
		return nil, errors.New("transaction runner required")
	}
	if p.Repo == nil {
		return nil, errors.New("ledger repository required")
	}
	if p.Outbox == nil {
		return nil, errors.New("outbox emitter required")
	}
	if p.Notifier == nil {
		return nil, errors.New("notifier required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger required")
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NewLedgerMetrics(nil)
	}
	now := p.Clock
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		db:       p.DB,
		repo:     p.Repo,
		outbox:   p.Outbox,
		notifier: p.Notifier,
		logg:     p.Logger,
		metrics:  p.Metrics,
		now:      now,
	}, nil
}

// IngestOrders validates, deduplicates and stores a batch of orders in one
// transaction. Products whose rows changed are marked pending in the same
// transaction and notified after commit; an identical re-delivery writes
// nothing and notifies nobody.
func (s *Ingestor) IngestOrders(ctx context.Context, orders []commerce.Order, source string) (IngestReport, error) {
	ctx = s.logg.WithField(ctx, "source", source)
	report := IngestReport{ChangedProducts: []string{}}

	clean := make([]commerce.Order, 0, len(orders))
	for _, order := range orders {
		sane, problems, ok := commerce.Sanitize(order)
		report.Skipped = append(report.Skipped, problems...)
		if ok {
			clean = append(clean, sane)
		}
	}

	products := make(map[string]struct{})
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		names := make(map[string]struct{}, len(clean))
		for _, order := range clean {
			names[order.Name] = struct{}{}
		}
		stored, err := repo.FindOrdersByName(ctx, sortedKeys(names))
		if err != nil {
			return err
		}
		refs := make([]OrderRef, 0, len(stored))
		for _, o := range stored {
			refs = append(refs, OrderRef{OrderID: o.OrderID, OrderName: o.OrderName, Source: o.Source, LastChanged: o.LastChanged()})
		}

		resolution := Deduplicate(clean, refs)
		report.Discarded = resolution.Discarded
		report.Unresolved = resolution.Unresolved
		report.Orders = len(resolution.Canonical)

		for _, order := range resolution.Canonical {
			touched, orderChanged, items, err := s.applyOrder(ctx, repo, order)
			if err != nil {
				return err
			}
			if orderChanged {
				report.OrdersChanged++
			}
			report.LineItems += items
			for _, id := range touched {
				products[id] = struct{}{}
			}
		}

		for _, rk := range resolution.Rekeys {
			moved, err := s.applyRekey(ctx, tx, repo, rk)
			if err != nil {
				return err
			}
			for _, id := range moved {
				products[id] = struct{}{}
			}
			report.Rekeyed = append(report.Rekeyed, rk)
		}
		return repo.MarkPending(ctx, sortedKeys(products), "ingested: "+source, s.now().UTC())
	})
	if err != nil {
		return IngestReport{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ingest orders")
	}

	report.ChangedProducts = sortedKeys(products)
	s.metrics.AddIngested(source, report.Orders)
	s.metrics.AddSkipped(source, len(report.Skipped))
	s.logReport(ctx, report)
	if len(report.ChangedProducts) > 0 {
		s.notifier.Notify(ctx, report.ChangedProducts...)
	}
	return report, nil
}

// IngestRefund stores a standalone refund event. Refund rows are kept even
// when their order has not arrived yet; the order's pass picks them up later.
func (s *Ingestor) IngestRefund(ctx context.Context, refund commerce.Refund) (IngestReport, error) {
	report := IngestReport{ChangedProducts: []string{}}
	sane, problems, ok := commerce.SanitizeRefund(refund)
	report.Skipped = problems
	if !ok {
		return report, pkgerrors.New(pkgerrors.CodeValidation, "invalid refund payload").WithDetails(problems)
	}
	orderID, _ := commerce.NormalizeOrderID(sane.OrderID.String())
	if orderID == "" {
		return report, pkgerrors.New(pkgerrors.CodeValidation, "refund order_id is required")
	}
	ctx = s.logg.WithOrderID(ctx, orderID)

	products := make(map[string]struct{})
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		items, err := repo.ItemsForOrders(ctx, []string{orderID})
		if err != nil {
			return err
		}
		productOf := make(map[string]string, len(items))
		for _, item := range items {
			productOf[item.LineItemID] = item.ProductID
		}
		existing, err := repo.RefundsForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		rows, touched := diffRefunds(orderID, []commerce.Refund{sane}, existing, productOf)
		for _, id := range touched {
			products[id] = struct{}{}
		}
		if err := repo.UpsertRefunds(ctx, rows); err != nil {
			return err
		}
		return repo.MarkPending(ctx, sortedKeys(products), "ingested: refund", s.now().UTC())
	})
	if err != nil {
		return IngestReport{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ingest refund")
	}

	report.ChangedProducts = sortedKeys(products)
	s.metrics.AddSkipped(SourceWebhook, len(report.Skipped))
	if len(report.ChangedProducts) > 0 {
		s.notifier.Notify(ctx, report.ChangedProducts...)
	}
	return report, nil
}

// UpdateItemFulfillment records a fulfillment status change for one line item.
func (s *Ingestor) UpdateItemFulfillment(ctx context.Context, orderID, lineItemID, status string) error {
	next := enums.NormalizeFulfillmentStatus(status)
	if !next.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown fulfillment status "+status)
	}
	orderID, _ = commerce.NormalizeOrderID(orderID)
	lineItemID = strings.TrimSpace(lineItemID)
	ctx = s.logg.WithFields(ctx, map[string]any{"order_id": orderID, "line_item_id": lineItemID})

	var productID string
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		item, err := repo.GetItem(ctx, orderID, lineItemID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load line item")
		}
		if item == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "line item not found")
		}
		if item.FulfillmentStatus == next {
			return nil
		}
		productID = item.ProductID
		now := s.now().UTC()
		if err := repo.UpdateFulfillment(ctx, orderID, lineItemID, next, now); err != nil {
			return err
		}
		return repo.MarkPending(ctx, []string{productID}, "ingested: fulfillment", now)
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update fulfillment")
	}
	if productID != "" {
		s.notifier.Notify(ctx, productID)
	}
	return nil
}

// applyOrder upserts the raw rows of one order and returns the products whose
// inputs changed, whether the order row changed and how many items it carries.
func (s *Ingestor) applyOrder(ctx context.Context, repo *Repository, order commerce.Order) ([]string, bool, int, error) {
	now := s.now().UTC()
	orderID := order.ID.String()
	_, canonical := commerce.NormalizeOrderID(orderID)
	orderSource := enums.OrderSourcePlatform
	if !canonical {
		orderSource = enums.OrderSourceProvisional
	}

	row := models.LedgerOrder{
		OrderID:           orderID,
		OrderName:         order.Name,
		Source:            orderSource,
		FinancialStatus:   enums.NormalizeFinancialStatus(order.FinancialStatus),
		FulfillmentStatus: enums.NormalizeFulfillmentStatus(deref(order.FulfillmentStatus)),
		CancelledAt:       utcPtr(order.CancelledAt),
		PlacedAt:          order.CreatedAt.UTC(),
		PlatformUpdatedAt: utcPtr(order.UpdatedAt),
		UpdatedAt:         now,
	}
	stored, err := repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, 0, err
	}
	orderChanged := stored == nil || orderDiffers(*stored, row)
	if orderChanged {
		if err := repo.UpsertOrder(ctx, row); err != nil {
			return nil, false, 0, err
		}
	}

	existing, err := repo.ItemsForOrders(ctx, []string{orderID})
	if err != nil {
		return nil, false, 0, err
	}
	storedItems := make(map[string]models.LedgerLineItem, len(existing))
	productOf := make(map[string]string, len(existing)+len(order.LineItems))
	for _, item := range existing {
		storedItems[item.LineItemID] = item
		productOf[item.LineItemID] = item.ProductID
	}

	products := make(map[string]struct{})
	upserts := make([]models.LedgerLineItem, 0, len(order.LineItems))
	for _, li := range order.LineItems {
		item := models.LedgerLineItem{
			LineItemID:        li.ID.String(),
			OrderID:           orderID,
			ProductID:         li.ProductID.String(),
			VariantID:         li.VariantID.Ptr(),
			Title:             li.Title,
			VendorName:        li.Vendor,
			Price:             li.Price,
			FulfillmentStatus: enums.NormalizeFulfillmentStatus(li.FulfillmentStatusValue()),
			Status:            enums.LineItemStatusInactive,
			CreatedAt:         order.CreatedAt.UTC(),
			UpdatedAt:         now,
		}
		productOf[item.LineItemID] = item.ProductID
		prev, ok := storedItems[item.LineItemID]
		if ok && !rawItemDiffers(prev, item) {
			continue
		}
		upserts = append(upserts, item)
		products[item.ProductID] = struct{}{}
		if ok && prev.ProductID != item.ProductID {
			products[prev.ProductID] = struct{}{}
		}
	}
	if err := repo.UpsertRawItems(ctx, upserts); err != nil {
		return nil, false, 0, err
	}

	if orderChanged {
		for _, productID := range productOf {
			products[productID] = struct{}{}
		}
	}

	storedRefunds, err := repo.RefundsForOrder(ctx, orderID)
	if err != nil {
		return nil, false, 0, err
	}
	refundRows, touched := diffRefunds(orderID, order.Refunds, storedRefunds, productOf)
	if err := repo.UpsertRefunds(ctx, refundRows); err != nil {
		return nil, false, 0, err
	}
	for _, id := range touched {
		products[id] = struct{}{}
	}

	return sortedKeys(products), orderChanged, len(order.LineItems), nil
}

func (s *Ingestor) applyRekey(ctx context.Context, tx *gorm.DB, repo *Repository, rk Rekey) ([]string, error) {
	res, err := repo.RekeyOrder(ctx, rk.FromOrderID, rk.ToOrderID)
	if err != nil {
		return nil, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"order_name":           rk.OrderName,
		"provisional_order_id": rk.FromOrderID,
		"canonical_order_id":   rk.ToOrderID,
		"moved":                len(res.Moved),
	})
	if len(res.ShadowedCertificates) > 0 {
		s.logg.Warn(s.logg.WithField(logCtx, "shadowed", res.ShadowedCertificates), "provisional certificates discarded; canonical rows already certified")
	}
	if len(res.Dropped) > 0 {
		s.logg.Warn(s.logg.WithField(logCtx, "dropped", res.Dropped), "provisional line items had no canonical match and were removed")
	} else {
		s.logg.Info(logCtx, "provisional order superseded")
	}

	event := payloads.OrderSupersededEvent{
		OrderName:          rk.OrderName,
		ProvisionalOrderID: rk.FromOrderID,
		CanonicalOrderID:   rk.ToOrderID,
		RekeyedLineItemIDs: make([]string, 0, len(res.Moved)),
	}
	for _, key := range res.Moved {
		event.RekeyedLineItemIDs = append(event.RekeyedLineItemIDs, key.LineItemID)
	}
	for _, key := range res.Dropped {
		event.DroppedLineItemIDs = append(event.DroppedLineItemIDs, key.LineItemID)
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderSuperseded,
		AggregateType: enums.AggregateOrder,
		AggregateID:   rk.ToOrderID,
		Producer:      passProducer,
		Data:          event,
	}); err != nil {
		return nil, err
	}
	return res.ProductIDs, nil
}

func (s *Ingestor) logReport(ctx context.Context, report IngestReport) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"orders":           report.Orders,
		"orders_changed":   report.OrdersChanged,
		"line_items":       report.LineItems,
		"changed_products": len(report.ChangedProducts),
	})
	if len(report.Skipped) > 0 {
		skipped := make([]string, 0, len(report.Skipped))
		for _, p := range report.Skipped {
			skipped = append(skipped, p.String())
		}
		s.logg.Warn(s.logg.WithField(logCtx, "skipped", skipped), "malformed payload elements skipped")
	}
	if len(report.Discarded) > 0 {
		s.logg.Info(s.logg.WithField(logCtx, "discarded", report.Discarded), "superseded or stale orders discarded")
	}
	if len(report.Unresolved) > 0 {
		s.logg.Warn(s.logg.WithField(logCtx, "unresolved", report.Unresolved), "orders served only by provisional records")
	}
	s.logg.Info(logCtx, "orders ingested")
}

// diffRefunds returns the refund rows that are new or changed and the
// products of the line items they name.
func diffRefunds(orderID string, refunds []commerce.Refund, stored []models.LedgerRefund, productOf map[string]string) ([]models.LedgerRefund, []string) {
	type refundKey struct{ refundID, lineItemID string }
	current := make(map[refundKey]models.LedgerRefund, len(stored))
	for _, r := range stored {
		current[refundKey{r.RefundID, r.LineItemID}] = r
	}
	products := make(map[string]struct{})
	seen := make(map[refundKey]struct{})
	var rows []models.LedgerRefund
	for _, refund := range refunds {
		for _, line := range refund.RefundLineItems {
			row := models.LedgerRefund{
				RefundID:   refund.ID.String(),
				LineItemID: line.LineItemID.String(),
				OrderID:    orderID,
				Restock:    line.IsRestock(),
			}
			key := refundKey{row.RefundID, row.LineItemID}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if prev, ok := current[key]; ok && prev.Restock == row.Restock && prev.OrderID == row.OrderID {
				continue
			}
			rows = append(rows, row)
			if productID, ok := productOf[row.LineItemID]; ok {
				products[productID] = struct{}{}
			}
		}
	}
	return rows, sortedKeys(products)
}

func orderDiffers(a, b models.LedgerOrder) bool {
	return a.OrderName != b.OrderName ||
		a.Source != b.Source ||
		a.FinancialStatus != b.FinancialStatus ||
		a.FulfillmentStatus != b.FulfillmentStatus ||
		!equalTimePtr(a.CancelledAt, b.CancelledAt) ||
		!a.PlacedAt.Equal(b.PlacedAt) ||
		!equalTimePtr(a.PlatformUpdatedAt, b.PlatformUpdatedAt)
}

func rawItemDiffers(a, b models.LedgerLineItem) bool {
	return a.ProductID != b.ProductID ||
		!equalStringPtr(a.VariantID, b.VariantID) ||
		a.Title != b.Title ||
		a.VendorName != b.VendorName ||
		!a.Price.Equal(b.Price) ||
		a.FulfillmentStatus != b.FulfillmentStatus
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
