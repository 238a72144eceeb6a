package cache

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

// LayeredCache is the two-tier cache (L1: memory, L2: Redis). A Redis
// outage degrades to memory-only operation; the failure is logged once
// per transition and never returned to callers on the read path.
type LayeredCache struct {
	memCache   *MemoryCache
	redisCache *RedisCache
	degraded   atomic.Bool
}

// NewLayeredCache creates a layered cache. redisCache may be nil, in
// which case the cache runs memory-only from the start.
func NewLayeredCache(redisCache *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{
		MemoryMaxSize: 1000,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &LayeredCache{
		memCache:   NewMemoryCache(WithMemoryMaxSize(cfg.MemoryMaxSize)),
		redisCache: redisCache,
	}
}

func (lc *LayeredCache) noteRedisError(op string, err error) {
	if lc.degraded.CompareAndSwap(false, true) {
		log.Printf("cache: redis tier unreachable (%s): %v; serving from memory only", op, err)
	}
}

func (lc *LayeredCache) noteRedisOK() {
	if lc.degraded.CompareAndSwap(true, false) {
		log.Printf("cache: redis tier recovered")
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	_ = lc.memCache.Set(ctx, key, value, expiration)
	if lc.redisCache == nil {
		return nil
	}
	if err := lc.redisCache.Set(ctx, key, value, expiration); err != nil {
		lc.noteRedisError("set", err)
		return nil // degraded, not an error for the caller
	}
	lc.noteRedisOK()
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.memCache.Get(ctx, key, dest); err == nil {
		return nil
	}
	if lc.redisCache == nil {
		return ErrCacheMiss
	}

	var raw []byte
	err := lc.redisCache.Get(ctx, key, &raw)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return ErrCacheMiss
		}
		lc.noteRedisError("get", err)
		return ErrCacheMiss
	}
	lc.noteRedisOK()

	if err := unmarshalValue(raw, dest); err != nil {
		return err
	}
	// backfill L1; Redis keeps the authoritative TTL
	if ttl, terr := lc.redisCache.Client().TTL(ctx, lc.redisCache.wrapKey(key)).Result(); terr == nil && ttl > 0 {
		_ = lc.memCache.Set(ctx, key, raw, ttl)
	}
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.memCache.Delete(ctx, keys...)
	if lc.redisCache == nil {
		return nil
	}
	if err := lc.redisCache.Delete(ctx, keys...); err != nil {
		lc.noteRedisError("delete", err)
	}
	return nil
}

func (lc *LayeredCache) Exists(ctx context.Context, keys ...string) (bool, error) {
	if ok, err := lc.memCache.Exists(ctx, keys...); err == nil && ok {
		return true, nil
	}
	if lc.redisCache == nil {
		return false, nil
	}
	return lc.redisCache.Exists(ctx, keys...)
}

func (lc *LayeredCache) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	ok, _ := lc.memCache.Expire(ctx, key, expiration)
	if lc.redisCache == nil {
		return ok, nil
	}
	return lc.redisCache.Expire(ctx, key, expiration)
}

// TryLock prefers the shared tier so the lock holds across processes;
// when degraded it falls back to the process-local lock.
func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if lc.redisCache != nil {
		ok, err := lc.redisCache.TryLock(ctx, key, ttl)
		if err == nil {
			lc.noteRedisOK()
			return ok, nil
		}
		lc.noteRedisError("trylock", err)
	}
	return lc.memCache.TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key string) error {
	_ = lc.memCache.Unlock(ctx, key)
	if lc.redisCache == nil {
		return nil
	}
	if err := lc.redisCache.Unlock(ctx, key); err != nil {
		lc.noteRedisError("unlock", err)
	}
	return nil
}

// Close closes both cache tiers.
func (lc *LayeredCache) Close() error {
	_ = lc.memCache.Close()
	if lc.redisCache == nil {
		return nil
	}
	return lc.redisCache.Close()
}
