package editions

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/edition-ledger/pkg/db"
	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
	"github.com/angelmondragon/edition-ledger/pkg/outbox"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.LedgerOrder{},
		&models.LedgerLineItem{},
		&models.LedgerRefund{},
		&models.LedgerProductFlag{},
		&models.OutboxEvent{},
	))
	return conn
}

type ledgerFixture struct {
	conn   *gorm.DB
	client *db.Client
	repo   *Repository
	outbox *outbox.Service
	issuer *Issuer
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	conn := openTestDB(t)
	var seq int
	issuer, err := NewIssuer("https://certs.example.com/c",
		WithClock(func() time.Time { return fixedNow }),
		WithTokenSource(func() string {
			seq++
			return "tok-" + string(rune('a'+seq-1))
		}),
	)
	require.NoError(t, err)
	return &ledgerFixture{
		conn:   conn,
		client: db.NewFromConn(conn),
		repo:   NewRepository(conn),
		outbox: outbox.NewService(outbox.NewRepository(conn), logger.Nop()),
		issuer: issuer,
	}
}

func (f *ledgerFixture) pass(t *testing.T) *Pass {
	t.Helper()
	p, err := NewPass(PassParams{
		DB:     f.client,
		Repo:   f.repo,
		Issuer: f.issuer,
		Outbox: f.outbox,
		Logger: logger.Nop(),
		Clock:  func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return p
}

func (f *ledgerFixture) seedOrder(t *testing.T, id string, status enums.FinancialStatus) {
	t.Helper()
	require.NoError(t, f.conn.Create(&models.LedgerOrder{
		OrderID:         id,
		OrderName:       "#" + id,
		Source:          enums.OrderSourcePlatform,
		FinancialStatus: status,
		PlacedAt:        seqBase,
	}).Error)
}

func (f *ledgerFixture) seedItem(t *testing.T, orderID, lineItemID, productID string, minute int) {
	t.Helper()
	require.NoError(t, f.conn.Create(&models.LedgerLineItem{
		LineItemID: lineItemID,
		OrderID:    orderID,
		ProductID:  productID,
		Title:      "Print " + productID,
		Price:      decimal.RequireFromString("120.00"),
		Status:     enums.LineItemStatusInactive,
		CreatedAt:  seqBase.Add(time.Duration(minute) * time.Minute),
		UpdatedAt:  seqBase,
	}).Error)
}

func (f *ledgerFixture) items(t *testing.T, productID string) map[string]models.LedgerLineItem {
	t.Helper()
	rows, err := f.repo.ProductItems(context.Background(), productID)
	require.NoError(t, err)
	out := make(map[string]models.LedgerLineItem, len(rows))
	for _, row := range rows {
		out[row.LineItemID] = row
	}
	return out
}

func (f *ledgerFixture) outboxCount(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]string
}

func (n *recordingNotifier) Notify(_ context.Context, productIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)
	n.calls = append(n.calls, ids)
}

func (n *recordingNotifier) all() [][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]string(nil), n.calls...)
}
