package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/edition-ledger/internal/editions"
	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

const defaultAuditPageSize = 500

type auditRepo interface {
	ListProductIDs(ctx context.Context, after string, limit int) ([]string, error)
	ProductItems(ctx context.Context, productID string) ([]models.LedgerLineItem, error)
	FlagProduct(ctx context.Context, productID string, state enums.ProductFlagState, reason string, at time.Time) error
}

type EditionAuditJobParams struct {
	Logger     *logger.Logger
	Repository auditRepo
	PageSize   int
}

// NewEditionAuditJob walks every product's committed editions and flags
// products whose sequence no longer holds.
func NewEditionAuditJob(params EditionAuditJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("edition repository required")
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultAuditPageSize
	}
	return &editionAuditJob{
		logg:     params.Logger,
		repo:     params.Repository,
		pageSize: pageSize,
		now:      time.Now,
	}, nil
}

type editionAuditJob struct {
	logg     *logger.Logger
	repo     auditRepo
	pageSize int
	now      func() time.Time
}

func (j *editionAuditJob) Name() string { return "edition-audit" }

func (j *editionAuditJob) Run(ctx context.Context) error {
	var (
		errs    error
		after   string
		checked int
		flagged int
	)
	for {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		ids, err := j.repo.ListProductIDs(ctx, after, j.pageSize)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list products: %w", err))
		}
		for _, productID := range ids {
			broken, err := j.auditProduct(ctx, productID)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			checked++
			if broken {
				flagged++
			}
		}
		if len(ids) < j.pageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"products_checked": checked,
		"products_flagged": flagged,
	})
	j.logg.Info(logCtx, "edition audit complete")
	return errs
}

func (j *editionAuditJob) auditProduct(ctx context.Context, productID string) (bool, error) {
	items, err := j.repo.ProductItems(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("load product %s: %w", productID, err)
	}
	violations := editions.CheckInvariants(items)
	if len(violations) == 0 {
		return false, nil
	}

	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, v.String())
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"product_id": productID,
		"violations": len(violations),
	})
	j.logg.Warn(logCtx, "edition invariant violated")

	if err := j.repo.FlagProduct(ctx, productID, enums.ProductFlagInvariantViolation, strings.Join(reasons, "; "), j.now().UTC()); err != nil {
		return true, fmt.Errorf("flag product %s: %w", productID, err)
	}
	return true, nil
}
