package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

const (
	defaultUnresolvedMaxAge = 24 * time.Hour
	unresolvedReportLimit   = 200
)

type unresolvedRepo interface {
	UnresolvedProvisional(ctx context.Context, cutoff time.Time, limit int) ([]models.LedgerOrder, error)
}

type unresolvedGauge interface {
	SetUnresolved(n int)
}

type UnresolvedOrdersJobParams struct {
	Logger     *logger.Logger
	Repository unresolvedRepo
	Metrics    unresolvedGauge
	MaxAge     time.Duration
}

// NewUnresolvedOrdersJob reports provisional orders that no platform record
// has superseded within MaxAge.
func NewUnresolvedOrdersJob(params UnresolvedOrdersJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("edition repository required")
	}
	maxAge := params.MaxAge
	if maxAge <= 0 {
		maxAge = defaultUnresolvedMaxAge
	}
	return &unresolvedOrdersJob{
		logg:    params.Logger,
		repo:    params.Repository,
		metrics: params.Metrics,
		maxAge:  maxAge,
		now:     time.Now,
	}, nil
}

type unresolvedOrdersJob struct {
	logg    *logger.Logger
	repo    unresolvedRepo
	metrics unresolvedGauge
	maxAge  time.Duration
	now     func() time.Time
}

func (j *unresolvedOrdersJob) Name() string { return "unresolved-orders" }

func (j *unresolvedOrdersJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.maxAge)
	orders, err := j.repo.UnresolvedProvisional(ctx, cutoff, unresolvedReportLimit)
	if err != nil {
		return fmt.Errorf("list unresolved orders: %w", err)
	}
	if j.metrics != nil {
		j.metrics.SetUnresolved(len(orders))
	}
	if len(orders) == 0 {
		return nil
	}

	names := make([]string, 0, len(orders))
	for _, order := range orders {
		names = append(names, order.OrderName)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"unresolved":  len(orders),
		"order_names": names,
		"cutoff":      cutoff,
	})
	j.logg.Warn(logCtx, "provisional orders still unresolved")
	return nil
}
