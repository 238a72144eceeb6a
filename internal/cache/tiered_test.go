package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"MarketAgg/internal/domain/models"
	pkgcache "MarketAgg/pkg/cache"
	applogger "MarketAgg/pkg/logger"
)

type nopMetrics struct{}

func (nopMetrics) RecordFetch(string, string, bool) {}
func (nopMetrics) RecordCacheLookup(string, bool)   {}
func (nopMetrics) RecordDisagreement(string)        {}
func (nopMetrics) RecordCircuitState(string, int)   {}
func (nopMetrics) RecordLastPrice(string, float64)  {}
func (nopMetrics) RecordLatency(string, float64)    {}
func (nopMetrics) RecordError(string)               {}
func (nopMetrics) RecordBatchFlush(string, int)     {}

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	l, err := applogger.New(&applogger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func quoteRecord(price float64, ts time.Time) *models.ReconciledRecord {
	return &models.ReconciledRecord{
		Quote: &models.Quote{
			Symbol:    "AAPL",
			Price:     price,
			Timestamp: ts,
			Source:    "alpha",
		},
		Sources:    []string{"alpha"},
		WinningSrc: "alpha",
		Confidence: models.ConfidenceHigh,
		FetchedAt:  ts,
	}
}

func memoryTiered(t *testing.T) *Tiered {
	t.Helper()
	tc := NewTiered(pkgcache.NewLayeredCache(nil), TTLPolicy{}, nopMetrics{}, testLogger(t))
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

func TestGetOrFetchRunsFetchOnce(t *testing.T) {
	tc := memoryTiered(t)
	key := QuoteKey("AAPL")
	ts := time.Now().UTC()

	var fetches atomic.Int64
	fetch := func(context.Context) (*models.ReconciledRecord, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return quoteRecord(101.5, ts), nil
	}

	const callers = 20
	results := make([]*models.ReconciledRecord, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := tc.GetOrFetch(context.Background(), key, 5*time.Second, fetch)
			require.NoError(t, err)
			results[i] = rec
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), fetches.Load())
	for _, rec := range results {
		require.NotNil(t, rec)
		require.Equal(t, 101.5, rec.Quote.Price)
	}
}

func TestGetOrFetchServesCachedRecord(t *testing.T) {
	tc := memoryTiered(t)
	key := QuoteKey("MSFT")
	ts := time.Now().UTC()

	var fetches atomic.Int64
	fetch := func(context.Context) (*models.ReconciledRecord, error) {
		fetches.Add(1)
		return quoteRecord(330.0, ts), nil
	}

	for i := 0; i < 3; i++ {
		rec, err := tc.GetOrFetch(context.Background(), key, time.Minute, fetch)
		require.NoError(t, err)
		require.Equal(t, 330.0, rec.Quote.Price)
	}
	require.Equal(t, int64(1), fetches.Load())
}

func TestGetOrFetchErrorIsNotCached(t *testing.T) {
	tc := memoryTiered(t)
	key := QuoteKey("FAIL")
	boom := errors.New("upstream down")

	var fetches atomic.Int64
	_, err := tc.GetOrFetch(context.Background(), key, time.Minute, func(context.Context) (*models.ReconciledRecord, error) {
		fetches.Add(1)
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	rec, err := tc.GetOrFetch(context.Background(), key, time.Minute, func(context.Context) (*models.ReconciledRecord, error) {
		fetches.Add(1)
		return quoteRecord(10.0, time.Now().UTC()), nil
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, rec.Quote.Price)
	require.Equal(t, int64(2), fetches.Load())
}

func TestSharedTierHitSkipsFetch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := pkgcache.NewRedisCacheFromClient(client, "test")

	writerSide := NewTiered(pkgcache.NewLayeredCache(rc), TTLPolicy{}, nopMetrics{}, testLogger(t))
	readerSide := NewTiered(pkgcache.NewLayeredCache(rc), TTLPolicy{}, nopMetrics{}, testLogger(t))
	t.Cleanup(func() { _ = readerSide.Close() })

	key := QuoteKey("AAPL")
	ts := time.Now().UTC()
	_, err := writerSide.GetOrFetch(context.Background(), key, time.Minute, func(context.Context) (*models.ReconciledRecord, error) {
		return quoteRecord(187.2, ts), nil
	})
	require.NoError(t, err)

	// the second process finds the entry in the shared tier and never
	// reaches upstream
	rec, err := readerSide.GetOrFetch(context.Background(), key, time.Minute, func(context.Context) (*models.ReconciledRecord, error) {
		t.Fatal("fetch must not run on a shared tier hit")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, 187.2, rec.Quote.Price)
}

func TestSetNeverRegressesTimestamp(t *testing.T) {
	tc := memoryTiered(t)
	key := QuoteKey("AAPL")
	ctx := context.Background()

	newer := quoteRecord(102.0, time.Now().UTC())
	older := quoteRecord(99.0, newer.Quote.Timestamp.Add(-time.Minute))

	got := tc.set(ctx, key, newer, time.Minute)
	require.Equal(t, 102.0, got.Quote.Price)

	// late out-of-order data is handed back to the caller but the cache
	// keeps the newer record
	got = tc.set(ctx, key, older, time.Minute)
	require.Equal(t, 102.0, got.Quote.Price)

	rec, ok := tc.lookup(ctx, key)
	require.True(t, ok)
	require.Equal(t, 102.0, rec.Quote.Price)
}

func TestInvalidateQuoteForcesRefetch(t *testing.T) {
	tc := memoryTiered(t)
	key := QuoteKey("TSLA")
	ts := time.Now().UTC()

	var fetches atomic.Int64
	fetch := func(context.Context) (*models.ReconciledRecord, error) {
		fetches.Add(1)
		return quoteRecord(240.0, ts), nil
	}

	_, err := tc.GetOrFetch(context.Background(), key, time.Minute, fetch)
	require.NoError(t, err)

	tc.InvalidateQuote(context.Background(), "TSLA")

	_, err = tc.GetOrFetch(context.Background(), key, time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, int64(2), fetches.Load())
}

func TestTTLPolicyByKindAndResolution(t *testing.T) {
	p := TTLPolicy{}.withDefaults()

	require.Equal(t, 3*time.Second, p.For(KindQuote, ""))
	require.Equal(t, time.Minute, p.For(KindBars, models.Res1m))
	require.Equal(t, time.Hour, p.For(KindBars, models.Res1h))
	require.Equal(t, 6*time.Hour, p.For(KindBars, models.Res1d))

	custom := TTLPolicy{Quote: time.Second, Daily: time.Hour}.withDefaults()
	require.Equal(t, time.Second, custom.For(KindQuote, ""))
	require.Equal(t, time.Hour, custom.For(KindBars, models.Res1d))
}
