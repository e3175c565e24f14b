package editions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/angelmondragon/edition-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
	"github.com/angelmondragon/edition-ledger/pkg/metrics"
)

const (
	defaultPassAttempts  = 3
	defaultRetryBackoff  = 200 * time.Millisecond
	defaultRequeueDelay  = 5 * time.Second
	defaultMaxConcurrent = 8
	flagPersistTimeout   = 5 * time.Second
)

type passRunner interface {
	Run(ctx context.Context, productID string) (PassResult, error)
	Verify(ctx context.Context, productID string) ([]Violation, error)
}

type flagStore interface {
	FlagProduct(ctx context.Context, productID string, state enums.ProductFlagState, reason string, at time.Time) error
}

// CoordinatorParams wires a Coordinator.
type CoordinatorParams struct {
	Logger        *logger.Logger
	Pass          passRunner
	Locker        ProductLocker
	Flags         flagStore
	Metrics       *metrics.LedgerMetrics
	MaxAttempts   int
	RetryBackoff  time.Duration
	RequeueDelay  time.Duration
	MaxConcurrent int
}

type productState struct {
	running bool
	pending bool
	waiters []chan error
	requeue *time.Timer
}

// Coordinator serializes resequencing per product and coalesces bursts of
// change notifications into at most one follow-up pass.
type Coordinator struct {
	logg         *logger.Logger
	pass         passRunner
	locker       ProductLocker
	flags        flagStore
	metrics      *metrics.LedgerMetrics
	maxAttempts  int
	backoff      time.Duration
	requeueDelay time.Duration
	sem          *semaphore.Weighted
	now          func() time.Time

	mu       sync.Mutex
	products map[string]*productState
	closed   bool
	wg       sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
}

// NewCoordinator validates params and returns an idle coordinator.
func NewCoordinator(p CoordinatorParams) (*Coordinator, error) {
	if p.Logger == nil {
		return nil, errors.New("logger required")
	}
	if p.Pass == nil {
		return nil, errors.New("pass runner required")
	}
	if p.Locker == nil {
		return nil, errors.New("product locker required")
	}
	if p.Flags == nil {
		return nil, errors.New("flag store required")
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NewLedgerMetrics(nil)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultPassAttempts
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = defaultRetryBackoff
	}
	if p.RequeueDelay <= 0 {
		p.RequeueDelay = defaultRequeueDelay
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = defaultMaxConcurrent
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		logg:         p.Logger,
		pass:         p.Pass,
		locker:       p.Locker,
		flags:        p.Flags,
		metrics:      p.Metrics,
		maxAttempts:  p.MaxAttempts,
		backoff:      p.RetryBackoff,
		requeueDelay: p.RequeueDelay,
		sem:          semaphore.NewWeighted(int64(p.MaxConcurrent)),
		now:          time.Now,
		products:     make(map[string]*productState),
		runCtx:       runCtx,
		cancel:       cancel,
	}, nil
}

// Notify schedules a pass for each product and returns immediately. Products
// notified while their pass runs get exactly one more pass afterwards. After
// Close the products are persisted as requeued instead.
func (c *Coordinator) Notify(ctx context.Context, productIDs ...string) {
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !c.enqueue(id, nil) {
			c.persistRequeued(ctx, id, "notified after shutdown")
		}
	}
}

// Resequence runs a pass for the product and waits for its outcome. If a
// pass is already running the caller waits for the follow-up pass.
func (c *Coordinator) Resequence(ctx context.Context, productID string) error {
	if productID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	done := make(chan error, 1)
	if !c.enqueue(productID, done) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, persists scheduled requeues and waits for
// in-flight passes. When ctx expires first, running passes are cancelled and
// their pending work is persisted as requeued.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var requeued []string
	for id, st := range c.products {
		if st.requeue != nil && st.requeue.Stop() {
			requeued = append(requeued, id)
		}
		st.requeue = nil
	}
	c.mu.Unlock()

	for _, id := range requeued {
		c.persistRequeued(ctx, id, "requeue pending at shutdown")
	}

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-drained
		return ctx.Err()
	}
}

func (c *Coordinator) enqueue(productID string, waiter chan error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	st, ok := c.products[productID]
	if !ok {
		st = &productState{}
		c.products[productID] = st
	}
	if st.requeue != nil {
		st.requeue.Stop()
		st.requeue = nil
	}
	if waiter != nil {
		st.waiters = append(st.waiters, waiter)
	}
	st.pending = true
	if st.running {
		return true
	}
	st.running = true
	c.wg.Add(1)
	go c.drive(productID)
	return true
}

func (c *Coordinator) drive(productID string) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		st := c.products[productID]
		if !st.pending {
			st.running = false
			if st.requeue == nil {
				delete(c.products, productID)
			}
			c.mu.Unlock()
			return
		}
		st.pending = false
		waiters := st.waiters
		st.waiters = nil
		c.mu.Unlock()

		var err error
		if c.runCtx.Err() != nil {
			err = ErrClosed
			c.persistRequeued(context.Background(), productID, "shutdown before pass")
		} else {
			err = c.runPass(c.runCtx, productID)
		}
		for _, w := range waiters {
			w <- err
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context, productID string) error {
	ctx = c.logg.WithProductID(ctx, productID)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.persistRequeued(ctx, productID, "shutdown while waiting for a pass slot")
		return err
	}
	defer c.sem.Release(1)

	var errs error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := c.now()
		res, err := c.attempt(ctx, productID)
		elapsed := c.now().Sub(start)
		logCtx := c.logg.WithFields(ctx, map[string]any{
			"attempt":     attempt,
			"duration_ms": elapsed.Milliseconds(),
		})

		if err == nil {
			outcome := metrics.PassOutcomeCommitted
			if res.Noop {
				outcome = metrics.PassOutcomeNoop
			}
			c.metrics.ObservePass(outcome, elapsed)
			c.metrics.AddItemsChanged(res.Changed)
			c.logg.Info(c.logg.WithFields(logCtx, map[string]any{
				"changed": res.Changed,
				"issued":  res.Issued,
				"total":   res.Total,
			}), "resequencing pass committed")
			if !res.Noop {
				c.verify(ctx, productID)
			}
			return nil
		}

		if errors.Is(err, ErrLockTimeout) {
			c.metrics.ObservePass(metrics.PassOutcomeRequeued, elapsed)
			c.logg.Warn(logCtx, "product lock busy; requeueing")
			c.scheduleRequeue(ctx, productID)
			return err
		}
		if ctx.Err() != nil {
			c.metrics.ObservePass(metrics.PassOutcomeRequeued, elapsed)
			c.persistRequeued(ctx, productID, "shutdown during pass")
			return ctx.Err()
		}
		if errors.Is(err, ErrInvariantViolation) {
			c.metrics.ObservePass(metrics.PassOutcomeFailed, elapsed)
			c.logg.Error(c.logg.WithField(logCtx, "violations", violationsOf(err)), "pass rejected by invariant check", err)
			c.flag(ctx, productID, enums.ProductFlagInvariantViolation, err.Error())
			return err
		}

		errs = multierr.Append(errs, err)
		if !pkgerrors.IsRetryable(err) || attempt == c.maxAttempts {
			c.metrics.ObservePass(metrics.PassOutcomeFailed, elapsed)
			break
		}
		c.metrics.ObservePass(metrics.PassOutcomeRetried, elapsed)
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "resequencing pass failed; retrying")
		if !sleepCtx(ctx, c.backoff<<(attempt-1)) {
			c.persistRequeued(ctx, productID, "shutdown during retry backoff")
			return ctx.Err()
		}
	}

	exhausted := pkgerrors.Wrap(pkgerrors.CodeInternal, multierr.Combine(ErrPassExhausted, errs),
		fmt.Sprintf("product %s could not be resequenced", productID))
	c.logg.Error(ctx, "resequencing attempts exhausted", exhausted)
	c.flag(ctx, productID, enums.ProductFlagFailed, errs.Error())
	return exhausted
}

func (c *Coordinator) attempt(ctx context.Context, productID string) (PassResult, error) {
	lease, release, err := c.locker.Acquire(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			c.metrics.IncLockWait("timeout")
		}
		return PassResult{}, err
	}
	c.metrics.IncLockWait("acquired")
	defer func() {
		if relErr := release(context.Background()); relErr != nil {
			c.logg.Warn(c.logg.WithField(ctx, "error", relErr.Error()), "release product lock failed")
		}
	}()
	res, err := c.pass.Run(lease, productID)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(lease), ErrLockLost) {
		c.metrics.IncLockWait("lost")
		c.logg.Warn(c.logg.WithField(ctx, "error", context.Cause(lease).Error()), "product lock lost during pass")
		return PassResult{}, lockLostError(productID, err)
	}
	return res, err
}

// verify checks the committed sequence. A broken sequence is flagged and
// given one fresh pass; if it is still broken afterwards the flag stays.
func (c *Coordinator) verify(ctx context.Context, productID string) {
	violations, err := c.pass.Verify(ctx, productID)
	if err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "post-commit verification read failed")
		return
	}
	if len(violations) == 0 {
		return
	}
	c.logg.Error(c.logg.WithField(ctx, "violations", violations), "committed sequence violates ledger invariants", ErrInvariantViolation)
	c.flag(ctx, productID, enums.ProductFlagInvariantViolation, violations[0].String())

	if _, err := c.attempt(ctx, productID); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			c.scheduleRequeue(ctx, productID)
		}
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "corrective pass failed")
		return
	}
	again, err := c.pass.Verify(ctx, productID)
	if err != nil || len(again) == 0 {
		return
	}
	c.logg.Error(c.logg.WithField(ctx, "violations", again), "sequence still inconsistent after corrective pass", ErrInvariantViolation)
	c.flag(ctx, productID, enums.ProductFlagInvariantViolation, again[0].String())
}

func (c *Coordinator) scheduleRequeue(ctx context.Context, productID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.persistRequeued(ctx, productID, "lock wait exceeded during shutdown")
		return
	}
	st, ok := c.products[productID]
	if !ok {
		st = &productState{}
		c.products[productID] = st
	}
	if st.requeue == nil {
		st.requeue = time.AfterFunc(c.requeueDelay, func() { c.fireRequeue(productID) })
	}
	c.mu.Unlock()
}

func (c *Coordinator) fireRequeue(productID string) {
	c.mu.Lock()
	if st, ok := c.products[productID]; ok {
		st.requeue = nil
	}
	c.mu.Unlock()
	if !c.enqueue(productID, nil) {
		c.persistRequeued(context.Background(), productID, "requeue fired after shutdown")
	}
}

func (c *Coordinator) persistRequeued(ctx context.Context, productID, reason string) {
	c.flag(ctx, productID, enums.ProductFlagRequeued, reason)
}

// flag writes with its own deadline so shutdown paths still persist.
func (c *Coordinator) flag(ctx context.Context, productID string, state enums.ProductFlagState, reason string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagPersistTimeout)
	defer cancel()
	if err := c.flags.FlagProduct(writeCtx, productID, state, reason, c.now().UTC()); err != nil {
		c.logg.Error(c.logg.WithFields(ctx, map[string]any{
			"product_id": productID,
			"state":      state,
		}), "persist product flag failed", err)
		return
	}
	c.metrics.IncFlagged(state.String())
}

func violationsOf(err error) any {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Details()
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
