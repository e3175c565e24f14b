package editions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultProductLockTTL  = 2 * time.Minute
	defaultProductLockWait = 10 * time.Second
	defaultLockPoll        = 100 * time.Millisecond
)

// ReleaseFunc gives a product lock back.
type ReleaseFunc func(ctx context.Context) error

// ProductLocker serializes resequencing passes for one product across processes.
// The returned context is cancelled with ErrLockLost if the lock is lost
// before release.
type ProductLocker interface {
	Acquire(ctx context.Context, productID string) (context.Context, ReleaseFunc, error)
}

// lockStore defines the Redis operations used by RedisProductLocker.
type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key, value string) (bool, error)
	ExpireIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	LockKey(scope, id string) string
}

// RedisProductLocker implements ProductLocker using Redis SETNX with an owner
// token. The lease is extended while the holder is alive.
type RedisProductLocker struct {
	client lockStore
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// RedisLockerParams configures a RedisProductLocker.
type RedisLockerParams struct {
	Client       lockStore
	TTL          time.Duration
	Wait         time.Duration
	PollInterval time.Duration
}

// NewRedisProductLocker constructs a Redis-backed product locker.
func NewRedisProductLocker(p RedisLockerParams) (*RedisProductLocker, error) {
	if p.Client == nil {
		return nil, errors.New("redis client required for product lock")
	}
	if p.TTL <= 0 {
		p.TTL = defaultProductLockTTL
	}
	if p.Wait <= 0 {
		p.Wait = defaultProductLockWait
	}
	if p.PollInterval <= 0 {
		p.PollInterval = defaultLockPoll
	}
	return &RedisProductLocker{client: p.Client, ttl: p.TTL, wait: p.Wait, poll: p.PollInterval}, nil
}

// Acquire polls until the lock is free or the bounded wait elapses. The lease
// is renewed every third of its TTL; failed renewals are retried until the
// TTL since the last good renewal has run out.
func (l *RedisProductLocker) Acquire(ctx context.Context, productID string) (context.Context, ReleaseFunc, error) {
	key := l.client.LockKey("product", productID)
	owner := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl)
		if err != nil {
			return nil, nil, fmt.Errorf("setnx: %w", err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, nil, lockTimeoutError(productID, nil)
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	lease, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		renewed := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok, err := l.client.ExpireIfValue(context.Background(), key, owner, l.ttl)
				switch {
				case err == nil && ok:
					renewed = time.Now()
				case err == nil:
					cancel(ErrLockLost)
					return
				case time.Since(renewed) >= l.ttl:
					cancel(fmt.Errorf("%w: renew: %v", ErrLockLost, err))
					return
				}
			}
		}
	}()

	var once sync.Once
	return lease, func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)
			if _, delErr := l.client.DelIfValue(ctx, key, owner); delErr != nil {
				err = fmt.Errorf("release product lock: %w", delErr)
			}
		})
		return err
	}, nil
}

// LocalLocker is an in-process ProductLocker for single-instance runs and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

// NewLocalLocker builds an in-memory locker with the given bounded wait.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = defaultProductLockWait
	}
	return &LocalLocker{held: make(map[string]chan struct{}), wait: wait}
}

// Acquire blocks until the product is free, the wait elapses or ctx ends.
// An in-process lease is never lost.
func (l *LocalLocker) Acquire(ctx context.Context, productID string) (context.Context, ReleaseFunc, error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	for {
		l.mu.Lock()
		ch, busy := l.held[productID]
		if !busy {
			ch = make(chan struct{})
			l.held[productID] = ch
			l.mu.Unlock()
			lease, cancel := context.WithCancel(ctx)
			var once sync.Once
			return lease, func(context.Context) error {
				once.Do(func() {
					cancel()
					l.mu.Lock()
					delete(l.held, productID)
					l.mu.Unlock()
					close(ch)
				})
				return nil
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return nil, nil, lockTimeoutError(productID, nil)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
