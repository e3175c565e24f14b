package cron

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

const (
	defaultFlaggedRetryLimit       = 100
	defaultFlaggedRetryConcurrency = 4
)

var retryableFlagStates = []enums.ProductFlagState{
	enums.ProductFlagRequeued,
	enums.ProductFlagFailed,
	enums.ProductFlagInvariantViolation,
}

type flaggedRepo interface {
	ListFlagged(ctx context.Context, states []enums.ProductFlagState, limit int) ([]models.LedgerProductFlag, error)
}

type resequencer interface {
	Resequence(ctx context.Context, productID string) error
}

type FlaggedRetryJobParams struct {
	Logger      *logger.Logger
	Repository  flaggedRepo
	Coordinator resequencer
	Limit       int
	Concurrency int
}

// NewFlaggedRetryJob re-runs passes for products left flagged by earlier
// failures. A successful pass clears the flag.
func NewFlaggedRetryJob(params FlaggedRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("flag repository required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultFlaggedRetryLimit
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = defaultFlaggedRetryConcurrency
	}
	return &flaggedRetryJob{
		logg:        params.Logger,
		repo:        params.Repository,
		coordinator: params.Coordinator,
		limit:       limit,
		concurrency: concurrency,
	}, nil
}

type flaggedRetryJob struct {
	logg        *logger.Logger
	repo        flaggedRepo
	coordinator resequencer
	limit       int
	concurrency int
}

func (j *flaggedRetryJob) Name() string { return "flagged-retry" }

func (j *flaggedRetryJob) Run(ctx context.Context) error {
	flags, err := j.repo.ListFlagged(ctx, retryableFlagStates, j.limit)
	if err != nil {
		return fmt.Errorf("list flagged products: %w", err)
	}
	if len(flags) == 0 {
		return nil
	}

	var recovered, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, flag := range flags {
		g.Go(func() error {
			if err := j.coordinator.Resequence(gctx, flag.ProductID); err != nil {
				failed.Add(1)
				logCtx := j.logg.WithFields(gctx, map[string]any{
					"product_id": flag.ProductID,
					"flag_state": string(flag.State),
					"attempts":   flag.Attempts,
				})
				j.logg.Warn(logCtx, "flagged product retry failed")
				return nil
			}
			recovered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"flagged":   len(flags),
		"recovered": recovered.Load(),
		"failed":    failed.Load(),
	})
	j.logg.Info(logCtx, "flagged product retry complete")
	return ctx.Err()
}
