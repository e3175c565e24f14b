package editions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryLockStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	// renewFailures makes the next n ExpireIfValue calls fail; negative fails all.
	renewFailures int
	renewCalls    int
}

func newMemoryLockStore() *memoryLockStore {
	return &memoryLockStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryLockStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryLockStore) DelIfValue(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[key] != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *memoryLockStore) ExpireIfValue(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewCalls++
	if m.renewFailures != 0 {
		if m.renewFailures > 0 {
			m.renewFailures--
		}
		return false, errors.New("redis: connection reset")
	}
	if m.values[key] != value {
		return false, nil
	}
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryLockStore) LockKey(scope, id string) string {
	return "el:lock:" + scope + ":" + id
}

func (m *memoryLockStore) holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func TestRedisProductLockerExcludesAndReleases(t *testing.T) {
	store := newMemoryLockStore()
	locker, err := NewRedisProductLocker(RedisLockerParams{
		Client:       store,
		TTL:          time.Minute,
		Wait:         30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, release, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)
	_, held := store.holder("el:lock:product:p-1")
	assert.True(t, held)

	_, _, err = locker.Acquire(ctx, "p-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	_, other, err := locker.Acquire(ctx, "p-2")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))
	_, held = store.holder("el:lock:product:p-1")
	assert.False(t, held)

	_, again, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisProductLockerDoesNotReleaseForeignOwner(t *testing.T) {
	store := newMemoryLockStore()
	locker, err := NewRedisProductLocker(RedisLockerParams{Client: store, Wait: 10 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, release, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)

	store.mu.Lock()
	store.values["el:lock:product:p-1"] = "someone-else"
	store.mu.Unlock()

	require.NoError(t, release(ctx))
	owner, held := store.holder("el:lock:product:p-1")
	assert.True(t, held)
	assert.Equal(t, "someone-else", owner)
}

func TestRedisProductLockerRetriesFailedRenewal(t *testing.T) {
	store := newMemoryLockStore()
	store.renewFailures = 1
	locker, err := NewRedisProductLocker(RedisLockerParams{Client: store, TTL: 150 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	lease, release, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.renewCalls >= 2
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, lease.Err())
}

func TestRedisProductLockerCancelsLeaseWhenOwnershipLost(t *testing.T) {
	store := newMemoryLockStore()
	locker, err := NewRedisProductLocker(RedisLockerParams{Client: store, TTL: 30 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	lease, release, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)
	store.mu.Lock()
	store.values["el:lock:product:p-1"] = "someone-else"
	store.mu.Unlock()

	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatal("lease not cancelled after the lock changed hands")
	}
	assert.True(t, errors.Is(context.Cause(lease), ErrLockLost))
	require.NoError(t, release(ctx))
	owner, _ := store.holder("el:lock:product:p-1")
	assert.Equal(t, "someone-else", owner)
}

func TestRedisProductLockerCancelsLeaseWhenRenewalKeepsFailing(t *testing.T) {
	store := newMemoryLockStore()
	store.renewFailures = -1
	locker, err := NewRedisProductLocker(RedisLockerParams{Client: store, TTL: 30 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	lease, release, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatal("lease not cancelled after renewals failed for a full ttl")
	}
	assert.True(t, errors.Is(context.Cause(lease), ErrLockLost))
}

func TestNewRedisProductLockerRequiresClient(t *testing.T) {
	_, err := NewRedisProductLocker(RedisLockerParams{})
	require.Error(t, err)
}

func TestLocalLockerHandsOverOnRelease(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()

	_, release, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, next, err := locker.Acquire(ctx, "p-1")
		if err == nil {
			_ = next(ctx)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should wait for release")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, release(ctx))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestLocalLockerTimesOut(t *testing.T) {
	locker := NewLocalLocker(15 * time.Millisecond)
	ctx := context.Background()

	_, release, err := locker.Acquire(ctx, "p-1")
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	_, _, err = locker.Acquire(ctx, "p-1")
	assert.True(t, errors.Is(err, ErrLockTimeout))
}
