package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/redis"
)

var errNoGuard = errors.New("replay guard not configured")

// ReplayGuard remembers delivered webhook ids so a redelivery is acknowledged
// without being applied twice.
type ReplayGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewReplayGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*ReplayGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("scope is required")
	}
	return &ReplayGuard{
		store: store,
		ttl:   ttl,
		scope: scope,
	}, nil
}

// CheckAndMark reports whether webhookID was seen before and marks it otherwise.
func (g *ReplayGuard) CheckAndMark(ctx context.Context, webhookID string) (bool, error) {
	if g == nil {
		return false, errNoGuard
	}
	if webhookID == "" {
		return false, errors.New("webhook id is required")
	}
	key := g.store.IdempotencyKey(g.scope, webhookID)
	set, err := g.store.SetNX(ctx, key, "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

// Delete forgets webhookID so the platform's retry is applied.
func (g *ReplayGuard) Delete(ctx context.Context, webhookID string) error {
	if g == nil {
		return errNoGuard
	}
	if webhookID == "" {
		return errors.New("webhook id is required")
	}
	key := g.store.IdempotencyKey(g.scope, webhookID)
	return g.store.Del(ctx, key)
}
