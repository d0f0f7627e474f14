package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secured-finance/lending-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertFill(ctx context.Context, fill *model.Fill) error {
	if err := s.primary.InsertFill(ctx, fill); err != nil {
		return err
	}
	// Invalidate the market's fill list; next read re-populates.
	s.rdb.Del(ctx, fillsKey(fill.Currency, fill.Maturity))
	return nil
}

func (s *CachedStore) InsertAutoRollLog(ctx context.Context, log *model.AutoRollLog) error {
	if err := s.primary.InsertAutoRollLog(ctx, log); err != nil {
		return err
	}
	// Roll logs are write-once, so caching eagerly is safe.
	s.cacheRollLog(ctx, log)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetFillsByMarket(ctx context.Context, currency string, maturity int64) ([]model.Fill, error) {
	data, err := s.rdb.Get(ctx, fillsKey(currency, maturity)).Bytes()
	if err == nil {
		var fills []model.Fill
		if json.Unmarshal(data, &fills) == nil {
			return fills, nil
		}
	}

	// Cache miss: read from primary.
	fills, err := s.primary.GetFillsByMarket(ctx, currency, maturity)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(fills); err == nil {
		s.rdb.Set(ctx, fillsKey(currency, maturity), data, s.ttl)
	}
	return fills, nil
}

func (s *CachedStore) GetAutoRollLog(ctx context.Context, currency string, maturity int64) (*model.AutoRollLog, error) {
	data, err := s.rdb.Get(ctx, rollKey(currency, maturity)).Bytes()
	if err == nil {
		var log model.AutoRollLog
		if json.Unmarshal(data, &log) == nil {
			return &log, nil
		}
	}

	// Cache miss.
	log, err := s.primary.GetAutoRollLog(ctx, currency, maturity)
	if err != nil {
		return nil, err
	}

	s.cacheRollLog(ctx, log)
	return log, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetFillsByUser(ctx context.Context, user string) ([]model.Fill, error) {
	return s.primary.GetFillsByUser(ctx, user)
}

func (s *CachedStore) ListAutoRollLogs(ctx context.Context, currency string) ([]model.AutoRollLog, error) {
	return s.primary.ListAutoRollLogs(ctx, currency)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRollLog(ctx context.Context, log *model.AutoRollLog) {
	if data, err := json.Marshal(log); err == nil {
		s.rdb.Set(ctx, rollKey(log.Currency, log.Maturity), data, s.ttl)
	}
}

func fillsKey(currency string, maturity int64) string {
	return fmt.Sprintf("fills:%s:%d", currency, maturity)
}

func rollKey(currency string, maturity int64) string {
	return fmt.Sprintf("roll:%s:%d", currency, maturity)
}
