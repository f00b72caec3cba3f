package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/darkpool-network/control-plane/internal/logging"
)

// BundleStore maps a bundle id to its attribution context, backed by
// Redis so attribution survives a gateway restart or replica. The LRU
// is the hot in-process read cache, bounded in size with LRU eviction
// on overflow; Redis EXPIRE is the TTL source of truth.
type BundleStore struct {
	rdb *redis.Client
	lru *lru.Cache[string, BundleContext]
	ttl time.Duration
	log *logging.Logger
}

func NewBundleStore(rdb *redis.Client, lruSize int, ttl time.Duration, log *logging.Logger) (*BundleStore, error) {
	if lruSize <= 0 {
		lruSize = 10_000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	cache, err := lru.New[string, BundleContext](lruSize)
	if err != nil {
		return nil, fmt.Errorf("new bundle lru: %w", err)
	}
	return &BundleStore{rdb: rdb, lru: cache, ttl: ttl, log: log}, nil
}

func bundleRedisKey(bundleID *big.Int) string {
	return "bundle:" + bundleID.String()
}

// Put records a freshly emitted bundle's attribution context, called at
// bundle emission time.
func (s *BundleStore) Put(ctx context.Context, ctxVal BundleContext) error {
	key := bundleRedisKey(ctxVal.BundleID)
	payload, err := json.Marshal(ctxVal)
	if err != nil {
		return fmt.Errorf("marshal bundle context: %w", err)
	}
	if err := s.rdb.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set bundle context: %w", err)
	}

	s.lru.Add(key, ctxVal) // eviction on overflow handled by the LRU itself
	return nil
}

// Get looks up a bundle's attribution context, checking the in-process
// LRU first (belt-and-braces expiry check on read, since an LRU entry
// can outlive the Redis TTL between sweeps) then falling back to Redis.
func (s *BundleStore) Get(ctx context.Context, bundleID *big.Int) (*BundleContext, bool) {
	key := bundleRedisKey(bundleID)

	if cached, ok := s.lru.Get(key); ok {
		if time.Since(cached.PriceTimestamp) <= s.ttl {
			return &cached, true
		}
		s.lru.Remove(key)
	}

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil && s.log != nil {
			s.log.WithError(err).Warn("bundle store redis get failed")
		}
		return nil, false
	}
	var bc BundleContext
	if err := json.Unmarshal(raw, &bc); err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("bundle store unmarshal failed")
		}
		return nil, false
	}
	s.lru.Add(key, bc)
	return &bc, true
}

// MarkAssembled records the assembly timestamp, the second half of the
// bundle's lifecycle (quote emission, then assembly).
func (s *BundleStore) MarkAssembled(ctx context.Context, bundleID *big.Int, at time.Time) error {
	bc, ok := s.Get(ctx, bundleID)
	if !ok {
		return fmt.Errorf("bundle %s not found", bundleID)
	}
	bc.AssembledTimestamp = &at
	return s.Put(ctx, *bc)
}

// Close releases the Redis client.
func (s *BundleStore) Close() error { return s.rdb.Close() }
