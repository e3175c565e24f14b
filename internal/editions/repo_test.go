package editions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

type traceRecorder struct {
	gormlogger.Interface
	mu   sync.Mutex
	errs []error
}

func (r *traceRecorder) LogMode(gormlogger.LogLevel) gormlogger.Interface { return r }

func (r *traceRecorder) Trace(_ context.Context, _ time.Time, _ func() (string, int64), err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestLookupsOfMissingRowsAreQuiet(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	rec := &traceRecorder{Interface: gormlogger.Discard}
	repo := NewRepository(f.conn.Session(&gorm.Session{Logger: rec}))

	order, err := repo.GetOrder(ctx, "404")
	require.NoError(t, err)
	assert.Nil(t, order)
	item, err := repo.GetItem(ctx, "404", "1")
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Empty(t, rec.errs)

	f.seedOrder(t, "100", enums.FinancialStatusPaid)
	f.seedItem(t, "100", "1", "p-1", 1)
	order, err = repo.GetOrder(ctx, "100")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "#100", order.OrderName)
	item, err = repo.GetItem(ctx, "100", "1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "p-1", item.ProductID)
}

func TestUpsertEditionBatchKeepsExistingCertificate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "100", enums.FinancialStatusPaid)
	f.seedItem(t, "100", "1", "p-1", 1)

	item := f.items(t, "p-1")["1"]
	item.Status = enums.LineItemStatusActive
	item.EditionNumber, item.EditionTotal = intPtr(1), intPtr(1)
	require.True(t, f.issuer.Issue(&item))
	require.NoError(t, f.repo.UpsertEditionBatch(ctx, []models.LedgerLineItem{item}))
	first := *f.items(t, "p-1")["1"].CertificateToken

	other := "forged"
	item.CertificateToken = &other
	item.EditionTotal = intPtr(2)
	require.NoError(t, f.repo.UpsertEditionBatch(ctx, []models.LedgerLineItem{item}))

	stored := f.items(t, "p-1")["1"]
	assert.Equal(t, first, *stored.CertificateToken)
	assert.Equal(t, 2, *stored.EditionTotal)
	assert.Equal(t, enums.LineItemStatusActive, stored.Status)
}

func TestUpsertRawItemsLeavesDerivedColumns(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "100", enums.FinancialStatusPaid)
	f.seedItem(t, "100", "1", "p-1", 1)

	require.NoError(t, f.conn.Model(&models.LedgerLineItem{}).
		Where("line_item_id = ?", "1").
		Updates(map[string]any{"status": enums.LineItemStatusActive, "edition_number": 1, "edition_total": 1}).Error)

	raw := f.items(t, "p-1")["1"]
	raw.Title = "Renamed"
	raw.Status = enums.LineItemStatusInactive
	raw.EditionNumber = nil
	raw.CreatedAt = fixedNow
	require.NoError(t, f.repo.UpsertRawItems(ctx, []models.LedgerLineItem{raw}))

	stored := f.items(t, "p-1")["1"]
	assert.Equal(t, "Renamed", stored.Title)
	assert.Equal(t, enums.LineItemStatusActive, stored.Status)
	require.NotNil(t, stored.EditionNumber)
	assert.Equal(t, 1, *stored.EditionNumber)
	assert.True(t, stored.CreatedAt.Equal(seqBase.Add(time.Minute)))
}

func TestRekeyOrderCarriesEntryTimeAndCertificate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	variant := "v-1"

	require.NoError(t, f.conn.Create(&models.LedgerOrder{
		OrderID: "WH-1", OrderName: "#1", Source: enums.OrderSourceProvisional,
		FinancialStatus: enums.FinancialStatusPaid, PlacedAt: seqBase,
	}).Error)
	f.seedOrder(t, "555", enums.FinancialStatusPaid)

	token, link, issued := "tok-prov", "https://certs.example.com/c/wh-li", seqBase
	require.NoError(t, f.conn.Create(&models.LedgerLineItem{
		LineItemID: "wh-li", OrderID: "WH-1", ProductID: "p-1", VariantID: &variant,
		Status: enums.LineItemStatusActive, EditionNumber: intPtr(1), EditionTotal: intPtr(1),
		CertificateToken: &token, CertificateURL: &link, CertificateIssuedAt: &issued,
		CreatedAt: seqBase, UpdatedAt: seqBase,
	}).Error)
	f.seedItem(t, "WH-1", "wh-extra", "p-2", 0)
	require.NoError(t, f.conn.Create(&models.LedgerLineItem{
		LineItemID: "9001", OrderID: "555", ProductID: "p-1", VariantID: &variant,
		Status: enums.LineItemStatusInactive, CreatedAt: seqBase.Add(time.Hour), UpdatedAt: seqBase,
	}).Error)
	require.NoError(t, f.conn.Create(&models.LedgerRefund{RefundID: "r-1", LineItemID: "wh-li", OrderID: "WH-1"}).Error)

	var res RekeyResult
	err := f.conn.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = f.repo.WithTx(tx).RekeyOrder(ctx, "WH-1", "555")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []ItemKey{{LineItemID: "9001", OrderID: "555"}}, res.Moved)
	assert.Equal(t, []ItemKey{{LineItemID: "wh-extra", OrderID: "WH-1"}}, res.Dropped)
	assert.Equal(t, []string{"p-1", "p-2"}, res.ProductIDs)

	items := f.items(t, "p-1")
	require.Len(t, items, 1)
	moved := items["9001"]
	assert.True(t, moved.CreatedAt.Equal(seqBase))
	require.NotNil(t, moved.CertificateToken)
	assert.Equal(t, "tok-prov", *moved.CertificateToken)
	assert.Empty(t, f.items(t, "p-2"))

	order, err := f.repo.GetOrder(ctx, "WH-1")
	require.NoError(t, err)
	assert.Nil(t, order)

	refunds, err := f.repo.RefundsForOrder(ctx, "555")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, "wh-li", refunds[0].LineItemID)
}

func TestRekeyOrderKeepsCanonicalCertificate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	variant := "v-1"

	require.NoError(t, f.conn.Create(&models.LedgerOrder{
		OrderID: "WH-1", OrderName: "#1", Source: enums.OrderSourceProvisional,
		FinancialStatus: enums.FinancialStatusPaid, PlacedAt: seqBase,
	}).Error)
	f.seedOrder(t, "555", enums.FinancialStatusPaid)

	provToken, provLink, provIssued := "tok-prov", "https://certs.example.com/c/wh-li", seqBase
	require.NoError(t, f.conn.Create(&models.LedgerLineItem{
		LineItemID: "wh-li", OrderID: "WH-1", ProductID: "p-1", VariantID: &variant,
		Status: enums.LineItemStatusActive,
		CertificateToken: &provToken, CertificateURL: &provLink, CertificateIssuedAt: &provIssued,
		CreatedAt: seqBase, UpdatedAt: seqBase,
	}).Error)
	token, link, issued := "tok-canon", "https://certs.example.com/c/9001", seqBase.Add(time.Hour)
	require.NoError(t, f.conn.Create(&models.LedgerLineItem{
		LineItemID: "9001", OrderID: "555", ProductID: "p-1", VariantID: &variant,
		Status: enums.LineItemStatusActive,
		CertificateToken: &token, CertificateURL: &link, CertificateIssuedAt: &issued,
		CreatedAt: seqBase.Add(time.Hour), UpdatedAt: seqBase,
	}).Error)

	var res RekeyResult
	err := f.conn.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = f.repo.WithTx(tx).RekeyOrder(ctx, "WH-1", "555")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []ItemKey{{LineItemID: "wh-li", OrderID: "WH-1"}}, res.ShadowedCertificates)

	moved := f.items(t, "p-1")["9001"]
	assert.True(t, moved.CreatedAt.Equal(seqBase))
	require.NotNil(t, moved.CertificateToken)
	assert.Equal(t, "tok-canon", *moved.CertificateToken)
	assert.Equal(t, "https://certs.example.com/c/9001", *moved.CertificateURL)
}

func TestFlagProductCountsAttempts(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.FlagProduct(ctx, "p-1", enums.ProductFlagRequeued, "lock", fixedNow))
	require.NoError(t, f.repo.FlagProduct(ctx, "p-1", enums.ProductFlagFailed, "boom", fixedNow.Add(time.Minute)))
	require.NoError(t, f.repo.FlagProduct(ctx, "p-2", enums.ProductFlagRequeued, "lock", fixedNow))

	flags, err := f.repo.ListFlagged(ctx, []enums.ProductFlagState{enums.ProductFlagFailed}, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "p-1", flags[0].ProductID)
	assert.Equal(t, 2, flags[0].Attempts)
	assert.Equal(t, "boom", flags[0].Reason)

	require.NoError(t, f.repo.ClearFlag(ctx, "p-1"))
	flags, err = f.repo.ListFlagged(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "p-2", flags[0].ProductID)
}

func TestListProductIDsPages(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "100", enums.FinancialStatusPaid)
	f.seedItem(t, "100", "1", "p-b", 1)
	f.seedItem(t, "100", "2", "p-a", 2)
	f.seedItem(t, "100", "3", "p-b", 3)
	f.seedItem(t, "100", "4", "p-c", 4)

	page, err := f.repo.ListProductIDs(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-a", "p-b"}, page)

	page, err = f.repo.ListProductIDs(ctx, "p-b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-c"}, page)
}

func TestUnresolvedProvisional(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	old := fixedNow.Add(-48 * time.Hour)
	rows := []models.LedgerOrder{
		{OrderID: "WH-1", OrderName: "#1", Source: enums.OrderSourceProvisional, FinancialStatus: enums.FinancialStatusPaid, PlacedAt: old, CreatedAt: old},
		{OrderID: "WH-2", OrderName: "#2", Source: enums.OrderSourceProvisional, FinancialStatus: enums.FinancialStatusPaid, PlacedAt: old, CreatedAt: old},
		{OrderID: "2", OrderName: "#2", Source: enums.OrderSourcePlatform, FinancialStatus: enums.FinancialStatusPaid, PlacedAt: old, CreatedAt: old},
		{OrderID: "WH-3", OrderName: "#3", Source: enums.OrderSourceProvisional, FinancialStatus: enums.FinancialStatusPaid, PlacedAt: fixedNow, CreatedAt: fixedNow},
	}
	for _, row := range rows {
		require.NoError(t, f.conn.Create(&row).Error)
	}

	got, err := f.repo.UnresolvedProvisional(ctx, fixedNow.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "WH-1", got[0].OrderID)
}
