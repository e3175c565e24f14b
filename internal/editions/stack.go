package editions

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/edition-ledger/pkg/config"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
	"github.com/angelmondragon/edition-ledger/pkg/metrics"
	"github.com/angelmondragon/edition-ledger/pkg/outbox"
)

type database interface {
	txRunner
	DB() *gorm.DB
}

// StackParams carries the shared clients a process hands to the ledger.
type StackParams struct {
	Config  config.LedgerConfig
	DB      database
	Locks   lockStore
	Logger  *logger.Logger
	Metrics *metrics.LedgerMetrics
}

// Stack bundles the ledger components every process runs the same way.
type Stack struct {
	Repo        *Repository
	Coordinator *Coordinator
	Ingestor    *Ingestor
}

// NewStack builds the repository, pass, coordinator and ingestor from config.
func NewStack(p StackParams) (*Stack, error) {
	if p.DB == nil {
		return nil, errors.New("database required")
	}
	if p.Locks == nil {
		return nil, errors.New("lock store required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger required")
	}

	repo := NewRepository(p.DB.DB())
	emitter := outbox.NewService(outbox.NewRepository(p.DB.DB()), p.Logger)

	issuer, err := NewIssuer(p.Config.CertificateBaseURL)
	if err != nil {
		return nil, fmt.Errorf("certificate issuer: %w", err)
	}
	pass, err := NewPass(PassParams{
		DB:     p.DB,
		Repo:   repo,
		Issuer: issuer,
		Outbox: emitter,
		Logger: p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pass: %w", err)
	}
	locker, err := NewRedisProductLocker(RedisLockerParams{
		Client:       p.Locks,
		TTL:          p.Config.LockTTL,
		Wait:         p.Config.LockWait,
		PollInterval: p.Config.LockPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("product locker: %w", err)
	}
	coordinator, err := NewCoordinator(CoordinatorParams{
		Logger:        p.Logger,
		Pass:          pass,
		Locker:        locker,
		Flags:         repo,
		Metrics:       p.Metrics,
		MaxAttempts:   p.Config.PassMaxAttempts,
		RetryBackoff:  p.Config.RetryBackoff,
		RequeueDelay:  p.Config.RequeueDelay,
		MaxConcurrent: p.Config.MaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	ingestor, err := NewIngestor(IngestorParams{
		DB:       p.DB,
		Repo:     repo,
		Outbox:   emitter,
		Notifier: coordinator,
		Logger:   p.Logger,
		Metrics:  p.Metrics,
	})
	if err != nil {
		_ = coordinator.Close(context.Background())
		return nil, fmt.Errorf("ingestor: %w", err)
	}

	return &Stack{Repo: repo, Coordinator: coordinator, Ingestor: ingestor}, nil
}

// Close drains in-flight passes.
func (s *Stack) Close(ctx context.Context) error {
	if s == nil || s.Coordinator == nil {
		return nil
	}
	return s.Coordinator.Close(ctx)
}
