package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/domain/repository"
	pkgcache "MarketAgg/pkg/cache"
	applogger "MarketAgg/pkg/logger"
)

// Kind is the cached data kind.
type Kind string

const (
	KindQuote Kind = "quote"
	KindBars  Kind = "bars"
)

// TTLPolicy maps data kinds to expirations. Quotes live seconds, intraday
// bars live one bucket, daily bars live hours.
type TTLPolicy struct {
	Quote time.Duration
	Daily time.Duration
}

func (p TTLPolicy) withDefaults() TTLPolicy {
	if p.Quote <= 0 {
		p.Quote = 3 * time.Second
	}
	if p.Daily <= 0 {
		p.Daily = 6 * time.Hour
	}
	return p
}

// For returns the TTL for a kind/resolution pair. Always > 0.
func (p TTLPolicy) For(kind Kind, res models.Resolution) time.Duration {
	if kind == KindQuote {
		return p.Quote
	}
	switch res {
	case models.Res1d:
		return p.Daily
	default:
		if d := res.Duration(); d > 0 {
			return d
		}
		return p.Quote
	}
}

// Entry is what the tiers actually store: the reconciled record plus the
// bookkeeping the single-flight path needs.
type Entry struct {
	Record     *models.ReconciledRecord `json:"record"`
	InsertedAt time.Time                `json:"inserted_at"`
	TTL        time.Duration            `json:"ttl"`
	Generation uint64                   `json:"generation"`
}

// QuoteKey builds the cache key for a live quote.
func QuoteKey(symbol string) string {
	return fmt.Sprintf("quote:%s", symbol)
}

// BarsKey builds the cache key for a history range.
func BarsKey(symbol string, res models.Resolution, from, to time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%d:%d", symbol, res, from.Unix(), to.Unix())
}

// Tiered implements the two-tier cache layer with single-flight miss
// de-duplication. At most one upstream fetch per key is in flight at a
// time: in-process via singleflight, across processes via the shared
// tier's lock.
type Tiered struct {
	store   *pkgcache.LayeredCache
	sf      singleflight.Group
	gen     atomic.Uint64
	ttl     TTLPolicy
	metrics repository.Metrics
	log     *applogger.Logger
	lockTTL time.Duration
	now     func() time.Time
}

type Option func(*Tiered)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tiered) { t.now = now }
}

// WithLockTTL bounds how long a cross-process fetch lock is honored.
func WithLockTTL(d time.Duration) Option {
	return func(t *Tiered) { t.lockTTL = d }
}

func NewTiered(store *pkgcache.LayeredCache, ttl TTLPolicy, metrics repository.Metrics, log *applogger.Logger, opts ...Option) *Tiered {
	t := &Tiered{
		store:   store,
		ttl:     ttl.withDefaults(),
		metrics: metrics,
		log:     log,
		lockTTL: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL exposes the policy so callers compute expirations consistently.
func (t *Tiered) TTL(kind Kind, res models.Resolution) time.Duration {
	return t.ttl.For(kind, res)
}

// GetOrFetch returns the cached record for key or runs fetch exactly once
// for all concurrent callers. Every waiter receives the same record or
// the same error.
func (t *Tiered) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (*models.ReconciledRecord, error)) (*models.ReconciledRecord, error) {
	if rec, ok := t.lookup(ctx, key); ok {
		return rec, nil
	}

	v, err, _ := t.sf.Do(key, func() (interface{}, error) {
		// double-check: another flight may have populated the key while
		// this caller was queued behind the singleflight lock
		if rec, ok := t.lookup(ctx, key); ok {
			return rec, nil
		}
		return t.fetchLocked(ctx, key, ttl, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ReconciledRecord), nil
}

// fetchLocked coordinates the cross-process lock around the upstream call.
func (t *Tiered) fetchLocked(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (*models.ReconciledRecord, error)) (*models.ReconciledRecord, error) {
	lockKey := "flight:" + key
	acquired, err := t.store.TryLock(ctx, lockKey, t.lockTTL)
	if err != nil {
		acquired = true // lock tier down; proceed rather than stall
	}
	if !acquired {
		// another process is fetching this key; wait for its result
		if rec, ok := t.waitForPeer(ctx, key); ok {
			return rec, nil
		}
		// peer died or took too long; fall through and fetch ourselves
	} else {
		defer func() { _ = t.store.Unlock(context.WithoutCancel(ctx), lockKey) }()
	}

	rec, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	return t.set(ctx, key, rec, ttl), nil
}

// waitForPeer polls the shared tier for the result of a fetch another
// process holds the lock for.
func (t *Tiered) waitForPeer(ctx context.Context, key string) (*models.ReconciledRecord, bool) {
	deadline := t.now().Add(t.lockTTL)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for t.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
			if rec, ok := t.lookup(ctx, key); ok {
				return rec, true
			}
		}
	}
	return nil, false
}

func (t *Tiered) lookup(ctx context.Context, key string) (*models.ReconciledRecord, bool) {
	var e Entry
	err := t.store.Get(ctx, key, &e)
	if err != nil {
		if !errors.Is(err, pkgcache.ErrCacheMiss) {
			t.log.Debug("cache lookup error", applogger.String("key", key), applogger.Error(err))
		}
		t.metrics.RecordCacheLookup("layered", false)
		return nil, false
	}
	t.metrics.RecordCacheLookup("layered", true)
	return e.Record, true
}

// set refreshes the entry in place unless it would regress the cached
// timestamp; late out-of-order data is still returned to the persistence
// path by the caller but never replaces a newer cached record.
func (t *Tiered) set(ctx context.Context, key string, rec *models.ReconciledRecord, ttl time.Duration) *models.ReconciledRecord {
	var old Entry
	if err := t.store.Get(ctx, key, &old); err == nil && old.Record != nil {
		if old.Record.Timestamp().After(rec.Timestamp()) {
			return old.Record
		}
	}

	e := Entry{
		Record:     rec,
		InsertedAt: t.now().UTC(),
		TTL:        ttl,
		Generation: t.gen.Add(1),
	}
	if err := t.store.Set(ctx, key, e, ttl); err != nil {
		t.log.Warn("cache set failed", applogger.String("key", key), applogger.Error(err))
	}
	return rec
}

// InvalidateQuote drops the cached quote for symbol. Bar entries whose
// bucket already closed are left alone.
func (t *Tiered) InvalidateQuote(ctx context.Context, symbol string) {
	if err := t.store.Delete(ctx, QuoteKey(symbol)); err != nil {
		t.log.Debug("quote invalidation failed", applogger.String("symbol", symbol), applogger.Error(err))
	}
}

// Close releases both tiers.
func (t *Tiered) Close() error {
	return t.store.Close()
}
