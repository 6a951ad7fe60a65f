package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
	rd "github.com/redis/go-redis/v9"
)

const defaultReplayTTL = 24 * time.Hour

func ReplayKey(idempotencyKey string) string {
	return fmt.Sprintf("purchases:replay:%s", idempotencyKey)
}

// ReplayCache keeps settled purchases in Redis so retried requests can be
// answered without a database round trip. The ledger stays authoritative.
type ReplayCache struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewReplayCache(rdb *rd.Client, ttl time.Duration) purchase.ReplayCache {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return &ReplayCache{rdb: rdb, ttl: ttl}
}

func (c *ReplayCache) Get(ctx context.Context, idempotencyKey string) (*purchase.Purchase, error) {
	raw, err := c.rdb.Get(ctx, ReplayKey(idempotencyKey)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p purchase.Purchase
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode cached purchase %s: %w", idempotencyKey, err)
	}
	return &p, nil
}

func (c *ReplayCache) Put(ctx context.Context, p *purchase.Purchase) error {
	if !p.IsTerminal() {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, ReplayKey(p.IdempotencyKey), raw, c.ttl).Err()
}

func (c *ReplayCache) Delete(ctx context.Context, idempotencyKey string) error {
	return c.rdb.Del(ctx, ReplayKey(idempotencyKey)).Err()
}
