package editions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// Repository persists ledger orders, line items, refunds and product flags.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a ledger repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository whose statements run inside tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return r.db
	}
	return r.db.WithContext(ctx)
}

// ListProductItems loads every line item of a product in ledger order and
// locks the rows for the rest of the transaction.
func (r *Repository) ListProductItems(ctx context.Context, productID string) ([]models.LedgerLineItem, error) {
	var items []models.LedgerLineItem
	err := r.conn(ctx).
		Where("product_id = ?", productID).
		Order("created_at ASC").
		Order("line_item_id ASC").
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Find(&items).Error
	return items, err
}

// ProductItems is the lock-free read used by verification and the admin API.
func (r *Repository) ProductItems(ctx context.Context, productID string) ([]models.LedgerLineItem, error) {
	var items []models.LedgerLineItem
	err := r.conn(ctx).
		Where("product_id = ?", productID).
		Order("edition_number ASC NULLS LAST").
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// ListOrders returns the orders with the given ids keyed by id.
func (r *Repository) ListOrders(ctx context.Context, orderIDs []string) (map[string]models.LedgerOrder, error) {
	out := make(map[string]models.LedgerOrder, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	var rows []models.LedgerOrder
	if err := r.conn(ctx).Where("order_id IN ?", orderIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.OrderID] = row
	}
	return out, nil
}

// GetOrder returns the stored order or nil when it does not exist.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*models.LedgerOrder, error) {
	var order models.LedgerOrder
	res := r.conn(ctx).Where("order_id = ?", orderID).Limit(1).Find(&order)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &order, nil
}

// FindOrdersByName returns every stored record carrying one of the names.
func (r *Repository) FindOrdersByName(ctx context.Context, names []string) ([]models.LedgerOrder, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var rows []models.LedgerOrder
	err := r.conn(ctx).Where("order_name IN ?", names).Order("order_id ASC").Find(&rows).Error
	return rows, err
}

// RefundsForLineItems returns refund rows keyed by line item id.
func (r *Repository) RefundsForLineItems(ctx context.Context, lineItemIDs []string) (map[string][]models.LedgerRefund, error) {
	out := make(map[string][]models.LedgerRefund)
	if len(lineItemIDs) == 0 {
		return out, nil
	}
	var rows []models.LedgerRefund
	if err := r.conn(ctx).Where("line_item_id IN ?", lineItemIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.LineItemID] = append(out[row.LineItemID], row)
	}
	return out, nil
}

// RefundsForOrder returns the stored refund rows of one order.
func (r *Repository) RefundsForOrder(ctx context.Context, orderID string) ([]models.LedgerRefund, error) {
	var rows []models.LedgerRefund
	err := r.conn(ctx).Where("order_id = ?", orderID).Find(&rows).Error
	return rows, err
}

// ItemsForOrders returns the stored line items of the given orders.
func (r *Repository) ItemsForOrders(ctx context.Context, orderIDs []string) ([]models.LedgerLineItem, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	var rows []models.LedgerLineItem
	err := r.conn(ctx).
		Where("order_id IN ?", orderIDs).
		Order("created_at ASC").
		Order("line_item_id ASC").
		Find(&rows).Error
	return rows, err
}

// GetItem returns one line item or nil when it does not exist.
func (r *Repository) GetItem(ctx context.Context, orderID, lineItemID string) (*models.LedgerLineItem, error) {
	var item models.LedgerLineItem
	res := r.conn(ctx).
		Where("order_id = ? AND line_item_id = ?", orderID, lineItemID).
		Limit(1).
		Find(&item)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &item, nil
}

// UpsertOrder writes the raw columns of an order.
func (r *Repository) UpsertOrder(ctx context.Context, order models.LedgerOrder) error {
	return r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"order_name",
				"source",
				"financial_status",
				"fulfillment_status",
				"cancelled_at",
				"placed_at",
				"platform_updated_at",
				"updated_at",
			}),
		}).
		Create(&order).Error
}

// UpsertRawItems writes ingestion-owned columns only. Status, edition,
// certificate and created_at columns of existing rows are left untouched.
func (r *Repository) UpsertRawItems(ctx context.Context, items []models.LedgerLineItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "line_item_id"}, {Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"product_id",
				"variant_id",
				"title",
				"vendor_name",
				"price",
				"fulfillment_status",
				"updated_at",
			}),
		}).
		Create(&items).Error
}

// UpsertRefunds writes refund rows.
func (r *Repository) UpsertRefunds(ctx context.Context, refunds []models.LedgerRefund) error {
	if len(refunds) == 0 {
		return nil
	}
	return r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "refund_id"}, {Name: "line_item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"order_id", "restock"}),
		}).
		Create(&refunds).Error
}

// UpdateFulfillment sets one line item's raw fulfillment status.
func (r *Repository) UpdateFulfillment(ctx context.Context, orderID, lineItemID string, status enums.FulfillmentStatus, at time.Time) error {
	return r.conn(ctx).
		Model(&models.LedgerLineItem{}).
		Where("order_id = ? AND line_item_id = ?", orderID, lineItemID).
		Updates(map[string]any{
			"fulfillment_status": status,
			"updated_at":         at,
		}).Error
}

// UpsertEditionBatch writes a pass's derived columns for many rows in one
// statement. Certificate columns are write-once: a stored value always wins.
func (r *Repository) UpsertEditionBatch(ctx context.Context, items []models.LedgerLineItem) error {
	if len(items) == 0 {
		return nil
	}
	updates := clause.AssignmentColumns([]string{
		"status",
		"restocked",
		"edition_number",
		"edition_total",
		"updated_at",
	})
	for _, col := range []string{"certificate_token", "certificate_url", "certificate_issued_at"} {
		updates = append(updates, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr(fmt.Sprintf("COALESCE(%s.%s, excluded.%s)", models.LedgerLineItem{}.TableName(), col, col)),
		})
	}
	return r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "line_item_id"}, {Name: "order_id"}},
			DoUpdates: updates,
		}).
		Create(&items).Error
}

// RekeyResult describes how a superseded order's items were folded into the winner.
type RekeyResult struct {
	Moved      []ItemKey
	Dropped    []ItemKey
	ProductIDs []string
	// ShadowedCertificates lists superseded items whose certificate was not
	// carried because the matched canonical row already holds one.
	ShadowedCertificates []ItemKey
}

// RekeyOrder moves the line items of order from onto order to. Items match by
// line item id first, then by product and variant in ledger order. A matched
// item keeps its ledger entry time. Its certificate is carried only onto a
// canonical row that has none, since certificates are write-once per row.
// Unmatched items are removed together with the superseded order.
func (r *Repository) RekeyOrder(ctx context.Context, from, to string) (RekeyResult, error) {
	var res RekeyResult
	if from == to {
		return res, nil
	}
	fromItems, err := r.ItemsForOrders(ctx, []string{from})
	if err != nil {
		return res, err
	}
	toItems, err := r.ItemsForOrders(ctx, []string{to})
	if err != nil {
		return res, err
	}

	products := make(map[string]struct{})
	used := make([]bool, len(toItems))
	match := func(src models.LedgerLineItem) int {
		for i, dst := range toItems {
			if !used[i] && dst.LineItemID == src.LineItemID {
				return i
			}
		}
		for i, dst := range toItems {
			if !used[i] && dst.ProductID == src.ProductID && equalStringPtr(dst.VariantID, src.VariantID) {
				return i
			}
		}
		return -1
	}

	for _, src := range fromItems {
		products[src.ProductID] = struct{}{}
		idx := match(src)
		if err := r.conn(ctx).
			Where("order_id = ? AND line_item_id = ?", src.OrderID, src.LineItemID).
			Delete(&models.LedgerLineItem{}).Error; err != nil {
			return res, fmt.Errorf("delete superseded item %s: %w", src.LineItemID, err)
		}
		if idx < 0 {
			res.Dropped = append(res.Dropped, ItemKey{LineItemID: src.LineItemID, OrderID: src.OrderID})
			continue
		}
		used[idx] = true
		dst := toItems[idx]
		products[dst.ProductID] = struct{}{}

		updates := map[string]any{}
		if src.CreatedAt.Before(dst.CreatedAt) {
			updates["created_at"] = src.CreatedAt
		}
		switch {
		case src.HasCertificate() && !dst.HasCertificate():
			updates["certificate_token"] = src.CertificateToken
			updates["certificate_url"] = src.CertificateURL
			updates["certificate_issued_at"] = src.CertificateIssuedAt
		case src.HasCertificate():
			res.ShadowedCertificates = append(res.ShadowedCertificates, ItemKey{LineItemID: src.LineItemID, OrderID: src.OrderID})
		}
		if len(updates) > 0 {
			if err := r.conn(ctx).
				Model(&models.LedgerLineItem{}).
				Where("order_id = ? AND line_item_id = ?", dst.OrderID, dst.LineItemID).
				Updates(updates).Error; err != nil {
				return res, fmt.Errorf("carry item %s onto %s: %w", src.LineItemID, dst.LineItemID, err)
			}
		}
		res.Moved = append(res.Moved, ItemKey{LineItemID: dst.LineItemID, OrderID: dst.OrderID})
	}

	if err := r.conn(ctx).
		Model(&models.LedgerRefund{}).
		Where("order_id = ?", from).
		Update("order_id", to).Error; err != nil {
		return res, fmt.Errorf("rekey refunds: %w", err)
	}
	if err := r.conn(ctx).Where("order_id = ?", from).Delete(&models.LedgerOrder{}).Error; err != nil {
		return res, fmt.Errorf("delete superseded order %s: %w", from, err)
	}

	res.ProductIDs = sortedKeys(products)
	return res, nil
}

// FlagProduct records that a product needs a retry or operator attention.
func (r *Repository) FlagProduct(ctx context.Context, productID string, state enums.ProductFlagState, reason string, at time.Time) error {
	flag := models.LedgerProductFlag{
		ProductID: productID,
		State:     state,
		Reason:    truncate(reason, 512),
		Attempts:  1,
		FlaggedAt: at,
		UpdatedAt: at,
	}
	return r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "product_id"}},
			DoUpdates: append(clause.AssignmentColumns([]string{"state", "reason", "flagged_at", "updated_at"}),
				clause.Assignment{
					Column: clause.Column{Name: "attempts"},
					Value:  gorm.Expr(models.LedgerProductFlag{}.TableName() + ".attempts + 1"),
				}),
		}).
		Create(&flag).Error
}

// MarkPending records that each product owes a pass. Existing flags are kept
// as they are, so a failed or violated product does not lose its state.
func (r *Repository) MarkPending(ctx context.Context, productIDs []string, reason string, at time.Time) error {
	if len(productIDs) == 0 {
		return nil
	}
	rows := make([]models.LedgerProductFlag, 0, len(productIDs))
	for _, id := range productIDs {
		rows = append(rows, models.LedgerProductFlag{
			ProductID: id,
			State:     enums.ProductFlagRequeued,
			Reason:    truncate(reason, 512),
			FlaggedAt: at,
			UpdatedAt: at,
		})
	}
	return r.conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "product_id"}}, DoNothing: true}).
		Create(&rows).Error
}

// ClearFlag removes any flag on a product.
func (r *Repository) ClearFlag(ctx context.Context, productID string) error {
	return r.conn(ctx).Where("product_id = ?", productID).Delete(&models.LedgerProductFlag{}).Error
}

// ListFlagged returns flagged products, oldest first. An empty states list matches all.
func (r *Repository) ListFlagged(ctx context.Context, states []enums.ProductFlagState, limit int) ([]models.LedgerProductFlag, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.conn(ctx).Order("flagged_at ASC").Order("product_id ASC").Limit(limit)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	var rows []models.LedgerProductFlag
	err := q.Find(&rows).Error
	return rows, err
}

// ListProductIDs pages through distinct product ids in ascending order.
func (r *Repository) ListProductIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []string
	err := r.conn(ctx).
		Model(&models.LedgerLineItem{}).
		Distinct("product_id").
		Where("product_id > ?", after).
		Order("product_id ASC").
		Limit(limit).
		Pluck("product_id", &ids).Error
	return ids, err
}

// UnresolvedProvisional lists provisional orders created before cutoff that
// still have no platform-canonical counterpart.
func (r *Repository) UnresolvedProvisional(ctx context.Context, cutoff time.Time, limit int) ([]models.LedgerOrder, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []models.LedgerOrder
	err := r.conn(ctx).
		Where("source = ?", enums.OrderSourceProvisional).
		Where("created_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM ledger_orders canonical WHERE canonical.order_name = ledger_orders.order_name AND canonical.source = ?)", enums.OrderSourcePlatform).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
