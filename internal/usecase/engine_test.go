package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	icache "MarketAgg/internal/cache"
	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/failover"
	"MarketAgg/internal/source"
	"MarketAgg/internal/writer"
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

type engineStore struct {
	mu        sync.Mutex
	covered   bool
	bars      []*models.Bar
	stored    []*models.Bar
	downloads []string
}

func (s *engineStore) Init(context.Context) error { return nil }

func (s *engineStore) StoreBars(_ context.Context, bars []*models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, bars...)
	return nil
}

func (s *engineStore) QueryBars(context.Context, string, time.Time, time.Time, models.Resolution) ([]*models.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bars, nil
}

func (s *engineStore) Covered(context.Context, string, time.Time, time.Time, models.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.covered, nil
}

func (s *engineStore) RecordDownload(_ context.Context, symbol string, _, _ time.Time, _ models.Resolution, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = append(s.downloads, symbol+"/"+src)
	return nil
}

func (s *engineStore) Health(context.Context) error { return nil }
func (s *engineStore) Close() error                 { return nil }

func (s *engineStore) storedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func (s *engineStore) downloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.downloads)
}

func newEngine(t *testing.T, store *engineStore, adapters map[*source.Fake]int) *Engine {
	t.Helper()
	reg := source.NewRegistry()
	for a, prio := range adapters {
		require.NoError(t, reg.Register(a, prio))
	}
	log := testLogger(t)
	metrics := nopMetrics{}
	coord := failover.New(reg, failover.NewHealthTable(failover.BreakerConfig{}, time.Now), metrics, log, failover.Config{})

	tiered := icache.NewTiered(pkgcache.NewLayeredCache(nil), icache.TTLPolicy{}, metrics, log)
	t.Cleanup(func() { _ = tiered.Close() })

	w := writer.New(writer.Config{BatchSize: 1, BatchWindow: 10 * time.Millisecond}, store, nil, metrics, log)
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	return NewEngine(tiered, coord, w, store, metrics, log)
}

func TestGetQuoteCachesReconciledRecord(t *testing.T) {
	alpha := source.NewFake("alpha", 101.5)
	e := newEngine(t, &engineStore{}, map[*source.Fake]int{alpha: 0})

	rec, err := e.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, 101.5, rec.Quote.Price)
	require.Equal(t, "alpha", rec.WinningSrc)

	// second call is served from cache within the quote TTL
	_, err = e.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, int64(1), alpha.Calls())
}

func TestGetQuotePersistsAsync(t *testing.T) {
	store := &engineStore{}
	e := newEngine(t, store, map[*source.Fake]int{source.NewFake("alpha", 50): 0})

	_, err := e.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.storedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, models.ResTick, store.stored[0].Resolution)
	require.Equal(t, 50.0, store.stored[0].Close)
}

func TestGetQuoteRejectsEmptySymbol(t *testing.T) {
	e := newEngine(t, &engineStore{}, map[*source.Fake]int{source.NewFake("alpha", 1): 0})

	_, err := e.GetQuote(context.Background(), "")
	require.ErrorIs(t, err, models.ErrInvalidSymbol)
}

func TestGetHistoryValidatesArguments(t *testing.T) {
	e := newEngine(t, &engineStore{}, map[*source.Fake]int{source.NewFake("alpha", 1): 0})
	now := time.Now()

	_, err := e.GetHistory(context.Background(), "AAPL", now.Add(-time.Hour), now, models.ResTick)
	require.ErrorIs(t, err, models.ErrInvalidSymbol)

	_, err = e.GetHistory(context.Background(), "AAPL", now, now, models.Res1d)
	require.ErrorIs(t, err, models.ErrInvalidSymbol)

	_, err = e.GetHistory(context.Background(), "AAPL", now, now.Add(-time.Hour), models.Res1d)
	require.ErrorIs(t, err, models.ErrInvalidSymbol)
}

func TestGetHistoryServesCoveredRangeFromStore(t *testing.T) {
	bucket := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	bar, err := models.NewBar("AAPL", bucket, models.Res1d, 10, 12, 9, 11, 100, "finnhub")
	require.NoError(t, err)
	store := &engineStore{covered: true, bars: []*models.Bar{bar}}
	alpha := source.NewFake("alpha", 1)
	e := newEngine(t, store, map[*source.Fake]int{alpha: 0})

	bars, gerr := e.GetHistory(context.Background(), "AAPL", bucket.Add(-24*time.Hour), bucket.Add(24*time.Hour), models.Res1d)
	require.NoError(t, gerr)
	require.Len(t, bars, 1)
	require.Equal(t, int64(0), alpha.Calls())
}

func TestGetHistoryFetchesAndRecordsDownload(t *testing.T) {
	store := &engineStore{}
	alpha := source.NewFake("alpha", 42)
	e := newEngine(t, store, map[*source.Fake]int{alpha: 0})

	from := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	to := from.Add(3 * time.Hour)
	bars, err := e.GetHistory(context.Background(), "AAPL", from, to, models.Res1h)
	require.NoError(t, err)
	require.Len(t, bars, 4)
	require.Equal(t, 42.0, bars[0].Close)

	// bookkeeping and persistence run off the request path
	require.Eventually(t, func() bool {
		return store.downloadCount() == 1 && store.storedCount() == 4
	}, 2*time.Second, 10*time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, []string{"AAPL/alpha"}, store.downloads)
}

func TestSourceHealthListsAdapters(t *testing.T) {
	e := newEngine(t, &engineStore{}, map[*source.Fake]int{
		source.NewFake("alpha", 1): 0,
		source.NewFake("beta", 2):  1,
	})

	statuses := e.SourceHealth()
	require.Len(t, statuses, 2)
	names := []string{statuses[0].Name, statuses[1].Name}
	require.ElementsMatch(t, []string{"alpha", "beta"}, names)
}
