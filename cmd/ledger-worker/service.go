package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type consumer interface {
	Run(ctx context.Context) error
}

type drainer interface {
	Close(ctx context.Context) error
}

const defaultDrainTimeout = 30 * time.Second

type ServiceParams struct {
	Logger       *logger.Logger
	DB           pinger
	Redis        pinger
	PubSub       pinger
	Consumer     consumer
	Ledger       drainer
	DrainTimeout time.Duration
}

// Service runs the orders sync consumer and drains the ledger on exit.
type Service struct {
	logg     *logger.Logger
	db       pinger
	redis    pinger
	pubsub   pinger
	consumer consumer
	ledger   drainer
	drain    time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.Consumer == nil {
		return nil, errors.New("orders sync consumer is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("edition ledger is required")
	}
	drain := params.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	return &Service{
		logg:     params.Logger,
		db:       params.DB,
		redis:    params.Redis,
		pubsub:   params.PubSub,
		consumer: params.Consumer,
		ledger:   params.Ledger,
		drain:    drain,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.redis.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "pubsub", s.pubsub.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all ledger worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until the consumer stops. Passes already scheduled get the drain
// timeout to finish; whatever is left is persisted as requeued.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	runErr := s.consumer.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		s.logg.Error(ctx, "orders sync consumer stopped unexpectedly", runErr)
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drain)
	defer cancel()
	if err := s.ledger.Close(drainCtx); err != nil {
		s.logg.Error(ctx, "edition coordinator did not drain", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
