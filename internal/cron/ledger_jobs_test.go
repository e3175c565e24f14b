package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

type fakeLedgerRepo struct {
	mu         sync.Mutex
	productIDs []string
	items      map[string][]models.LedgerLineItem
	itemErr    map[string]error
	flags      []models.LedgerProductFlag
	flagged    map[string]enums.ProductFlagState
	reasons    map[string]string
	listCalls  int
	unresolved []models.LedgerOrder
	cutoff     time.Time
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		items:   map[string][]models.LedgerLineItem{},
		itemErr: map[string]error{},
		flagged: map[string]enums.ProductFlagState{},
		reasons: map[string]string{},
	}
}

func (f *fakeLedgerRepo) ListProductIDs(_ context.Context, after string, limit int) ([]string, error) {
	f.listCalls++
	out := []string{}
	for _, id := range f.productIDs {
		if id > after {
			out = append(out, id)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedgerRepo) ProductItems(_ context.Context, productID string) ([]models.LedgerLineItem, error) {
	if err := f.itemErr[productID]; err != nil {
		return nil, err
	}
	return f.items[productID], nil
}

func (f *fakeLedgerRepo) FlagProduct(_ context.Context, productID string, state enums.ProductFlagState, reason string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged[productID] = state
	f.reasons[productID] = reason
	return nil
}

func (f *fakeLedgerRepo) ListFlagged(_ context.Context, states []enums.ProductFlagState, limit int) ([]models.LedgerProductFlag, error) {
	if len(states) == 0 {
		return nil, errors.New("states required")
	}
	if len(f.flags) > limit {
		return f.flags[:limit], nil
	}
	return f.flags, nil
}

func (f *fakeLedgerRepo) UnresolvedProvisional(_ context.Context, cutoff time.Time, _ int) ([]models.LedgerOrder, error) {
	f.cutoff = cutoff
	return f.unresolved, nil
}

func activeItem(lineItemID string, edition, total int, created time.Time) models.LedgerLineItem {
	token := "tok-" + lineItemID
	url := "https://certificates.example.com/c/" + lineItemID
	return models.LedgerLineItem{
		LineItemID:          lineItemID,
		OrderID:             "order-" + lineItemID,
		ProductID:           "product",
		Status:              enums.LineItemStatusActive,
		EditionNumber:       &edition,
		EditionTotal:        &total,
		CertificateToken:    &token,
		CertificateURL:      &url,
		CertificateIssuedAt: &created,
		CreatedAt:           created,
	}
}

func TestEditionAuditJobFlagsBrokenProducts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeLedgerRepo()
	repo.productIDs = []string{"p1", "p2", "p3"}
	repo.items["p1"] = []models.LedgerLineItem{
		activeItem("1", 1, 2, base),
		activeItem("2", 2, 2, base.Add(time.Minute)),
	}
	repo.items["p2"] = []models.LedgerLineItem{
		activeItem("3", 1, 2, base),
		activeItem("4", 3, 2, base.Add(time.Minute)),
	}
	repo.items["p3"] = []models.LedgerLineItem{activeItem("5", 1, 1, base)}

	job, err := NewEditionAuditJob(EditionAuditJobParams{Logger: logger.Nop(), Repository: repo, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, "edition-audit", job.Name())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, map[string]enums.ProductFlagState{"p2": enums.ProductFlagInvariantViolation}, repo.flagged)
	assert.Contains(t, repo.reasons["p2"], "gapless")
	assert.Equal(t, 2, repo.listCalls, "pages through every product id")
}

func TestEditionAuditJobContinuesPastReadErrors(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.productIDs = []string{"bad", "good"}
	repo.itemErr["bad"] = errors.New("read failed")
	repo.items["good"] = []models.LedgerLineItem{{LineItemID: "x", OrderID: "o", Status: enums.LineItemStatusInactive, EditionNumber: new(int)}}

	job, err := NewEditionAuditJob(EditionAuditJobParams{Logger: logger.Nop(), Repository: repo})
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad"))
	assert.Equal(t, enums.ProductFlagInvariantViolation, repo.flagged["good"])
}

type fakeResequencer struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]bool
}

func (f *fakeResequencer) Resequence(_ context.Context, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, productID)
	if f.failFor[productID] {
		return errors.New("still failing")
	}
	return nil
}

func TestFlaggedRetryJobResequencesEachFlag(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.flags = []models.LedgerProductFlag{
		{ProductID: "p1", State: enums.ProductFlagRequeued},
		{ProductID: "p2", State: enums.ProductFlagFailed},
		{ProductID: "p3", State: enums.ProductFlagInvariantViolation},
	}
	coordinator := &fakeResequencer{failFor: map[string]bool{"p2": true}}

	job, err := NewFlaggedRetryJob(FlaggedRetryJobParams{
		Logger:      logger.Nop(),
		Repository:  repo,
		Coordinator: coordinator,
		Concurrency: 2,
	})
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()), "a product that still fails stays flagged without failing the job")
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, coordinator.calls)
}

func TestFlaggedRetryJobHonoursLimit(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.flags = []models.LedgerProductFlag{{ProductID: "p1"}, {ProductID: "p2"}}
	coordinator := &fakeResequencer{}

	job, err := NewFlaggedRetryJob(FlaggedRetryJobParams{Logger: logger.Nop(), Repository: repo, Coordinator: coordinator, Limit: 1})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"p1"}, coordinator.calls)
}

type recordingGauge struct {
	value int
	set   bool
}

func (g *recordingGauge) SetUnresolved(n int) {
	g.value = n
	g.set = true
}

func TestUnresolvedOrdersJobPublishesCount(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	repo := newFakeLedgerRepo()
	repo.unresolved = []models.LedgerOrder{{OrderID: "prov-1", OrderName: "#1001"}, {OrderID: "prov-2", OrderName: "#1002"}}
	gauge := &recordingGauge{}

	jobIface, err := NewUnresolvedOrdersJob(UnresolvedOrdersJobParams{
		Logger:     logger.Nop(),
		Repository: repo,
		Metrics:    gauge,
		MaxAge:     6 * time.Hour,
	})
	require.NoError(t, err)
	job := jobIface.(*unresolvedOrdersJob)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now.Add(-6*time.Hour), repo.cutoff)
	assert.True(t, gauge.set)
	assert.Equal(t, 2, gauge.value)
}

func TestUnresolvedOrdersJobResetsGaugeWhenClear(t *testing.T) {
	gauge := &recordingGauge{value: 5}
	job, err := NewUnresolvedOrdersJob(UnresolvedOrdersJobParams{Logger: logger.Nop(), Repository: newFakeLedgerRepo(), Metrics: gauge})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 0, gauge.value)
}
