package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/edition-ledger/internal/editions"
	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
	"github.com/angelmondragon/edition-ledger/pkg/types"
)

type fakeIngestor struct {
	orders      []commerce.Order
	source      string
	fulfillment []string
	err         error
}

func (f *fakeIngestor) IngestOrders(_ context.Context, orders []commerce.Order, source string) (editions.IngestReport, error) {
	f.orders = orders
	f.source = source
	return editions.IngestReport{Orders: len(orders), ChangedProducts: []string{}}, f.err
}

func (f *fakeIngestor) UpdateItemFulfillment(_ context.Context, orderID, lineItemID, status string) error {
	f.fulfillment = []string{orderID, lineItemID, status}
	return f.err
}

type fakeResequencer struct {
	products []string
	err      error
}

func (f *fakeResequencer) Resequence(_ context.Context, productID string) error {
	f.products = append(f.products, productID)
	return f.err
}

type fakeReader struct {
	items  map[string][]models.LedgerLineItem
	flags  []models.LedgerProductFlag
	states []enums.ProductFlagState
	limit  int
}

func (f *fakeReader) ProductItems(_ context.Context, productID string) ([]models.LedgerLineItem, error) {
	return f.items[productID], nil
}

func (f *fakeReader) ListFlagged(_ context.Context, states []enums.ProductFlagState, limit int) ([]models.LedgerProductFlag, error) {
	f.states = states
	f.limit = limit
	return f.flags, nil
}

func newRouter(ing Ingestor, seq Resequencer, reader EditionReader) http.Handler {
	logg := logger.Nop()
	r := chi.NewRouter()
	r.Post("/sync/orders", SyncOrders(ing, logg))
	r.Patch("/orders/{orderId}/line-items/{lineItemId}", UpdateLineItemFulfillment(ing, logg))
	r.Post("/products/{productId}/resequence", Resequence(seq, reader, logg))
	r.Get("/products/{productId}/editions", ProductEditions(reader, logg))
	r.Get("/products/flagged", FlaggedProducts(reader, logg))
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleItems() []models.LedgerLineItem {
	one, two := 1, 2
	total := 2
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	url := "https://certificates.example.com/c/5001"
	return []models.LedgerLineItem{
		{LineItemID: "5001", OrderID: "1001", ProductID: "77", Status: enums.LineItemStatusActive, EditionNumber: &one, EditionTotal: &total, CertificateURL: &url, CreatedAt: created},
		{LineItemID: "5002", OrderID: "1002", ProductID: "77", Status: enums.LineItemStatusActive, EditionNumber: &two, EditionTotal: &total, CreatedAt: created.Add(time.Hour)},
		{LineItemID: "5003", OrderID: "1003", ProductID: "77", Status: enums.LineItemStatusInactive, Restocked: true, CreatedAt: created.Add(2 * time.Hour)},
	}
}

func TestSyncOrdersUsesBulkSource(t *testing.T) {
	ing := &fakeIngestor{}
	h := newRouter(ing, &fakeResequencer{}, &fakeReader{})

	body := `{"orders":[{"id":1001,"name":"#1001","created_at":"2026-03-01T10:00:00Z","line_items":[]},{"id":"broken"}]}`
	rec := do(t, h, http.MethodPost, "/sync/orders", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, ing.orders, 2, "per-order validation happens during ingestion")
	assert.Equal(t, editions.SourceBulkSync, ing.source)
}

func TestSyncOrdersRejectsEmptyBatch(t *testing.T) {
	ing := &fakeIngestor{}
	rec := do(t, newRouter(ing, &fakeResequencer{}, &fakeReader{}), http.MethodPost, "/sync/orders", `{"orders":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, ing.orders)
}

func TestUpdateLineItemFulfillment(t *testing.T) {
	ing := &fakeIngestor{}
	h := newRouter(ing, &fakeResequencer{}, &fakeReader{})

	rec := do(t, h, http.MethodPatch, "/orders/1001/line-items/5001", `{"fulfillmentStatus":"restocked"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"1001", "5001", "restocked"}, ing.fulfillment)

	ing.err = pkgerrors.New(pkgerrors.CodeNotFound, "line item not found")
	rec = do(t, h, http.MethodPatch, "/orders/1001/line-items/9999", `{"fulfillmentStatus":"fulfilled"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPatch, "/orders/1001/line-items/5001", `{"status":"fulfilled"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected on operator bodies")
}

func TestResequenceReturnsSequence(t *testing.T) {
	seq := &fakeResequencer{}
	reader := &fakeReader{items: map[string][]models.LedgerLineItem{"77": sampleItems()}}
	rec := do(t, newRouter(&fakeIngestor{}, seq, reader), http.MethodPost, "/products/77/resequence", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"77"}, seq.products)

	var envelope struct {
		Data ProductEditionsView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 2, envelope.Data.Total)
	require.Len(t, envelope.Data.Items, 3)
	assert.Nil(t, envelope.Data.Items[2].EditionNumber)
	assert.True(t, envelope.Data.Items[2].Restocked)
}

func TestResequenceMapsLockTimeoutAndShutdown(t *testing.T) {
	reader := &fakeReader{items: map[string][]models.LedgerLineItem{"77": sampleItems()}}

	seq := &fakeResequencer{err: pkgerrors.New(pkgerrors.CodeLockTimeout, "busy")}
	rec := do(t, newRouter(&fakeIngestor{}, seq, reader), http.MethodPost, "/products/77/resequence", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	seq = &fakeResequencer{err: editions.ErrClosed}
	rec = do(t, newRouter(&fakeIngestor{}, seq, reader), http.MethodPost, "/products/77/resequence", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProductEditionsNotFound(t *testing.T) {
	rec := do(t, newRouter(&fakeIngestor{}, &fakeResequencer{}, &fakeReader{}), http.MethodGet, "/products/missing/editions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(pkgerrors.CodeNotFound), body.Error.Code)
}

func TestFlaggedProductsFilters(t *testing.T) {
	reader := &fakeReader{flags: []models.LedgerProductFlag{{ProductID: "77", State: enums.ProductFlagFailed, Attempts: 2}}}
	h := newRouter(&fakeIngestor{}, &fakeResequencer{}, reader)

	rec := do(t, h, http.MethodGet, "/products/flagged", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, reader.states, 3)
	assert.Equal(t, 100, reader.limit)
	assert.Contains(t, rec.Body.String(), `"productId":"77"`)

	rec = do(t, h, http.MethodGet, "/products/flagged?state=requeued&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []enums.ProductFlagState{enums.ProductFlagRequeued}, reader.states)
	assert.Equal(t, 5, reader.limit)

	rec = do(t, h, http.MethodGet, "/products/flagged?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
