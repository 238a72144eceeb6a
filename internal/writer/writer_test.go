package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"MarketAgg/internal/domain/models"
	applogger "MarketAgg/pkg/logger"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]*models.Bar
	calls    int
	failures int // fail this many StoreBars calls before succeeding
}

func (s *fakeStore) StoreBars(_ context.Context, bars []*models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("store unavailable")
	}
	s.batches = append(s.batches, bars)
	return nil
}

func (s *fakeStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeStore) Init(context.Context) error { return nil }
func (s *fakeStore) QueryBars(context.Context, string, time.Time, time.Time, models.Resolution) ([]*models.Bar, error) {
	return nil, nil
}
func (s *fakeStore) Covered(context.Context, string, time.Time, time.Time, models.Resolution) (bool, error) {
	return false, nil
}
func (s *fakeStore) RecordDownload(context.Context, string, time.Time, time.Time, models.Resolution, string) error {
	return nil
}
func (s *fakeStore) Health(context.Context) error { return nil }
func (s *fakeStore) Close() error                 { return nil }

type fakePublisher struct {
	mu   sync.Mutex
	bars []*models.Bar
}

func (p *fakePublisher) PublishRecord(context.Context, *models.ReconciledRecord) error { return nil }
func (p *fakePublisher) PublishBars(_ context.Context, bars []*models.Bar) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars = append(p.bars, bars...)
	return nil
}
func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bars)
}

type fakeSink struct {
	mu    sync.Mutex
	types []string
}

func (s *fakeSink) PublishMessage(_ context.Context, msgType string, _ interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, msgType)
	return nil
}

func (s *fakeSink) has(msgType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.types {
		if t == msgType {
			return true
		}
	}
	return false
}

type countMetrics struct {
	mu     sync.Mutex
	errors map[string]int
}

func newCountMetrics() *countMetrics {
	return &countMetrics{errors: make(map[string]int)}
}

func (m *countMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[kind]++
}

func (m *countMetrics) errorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

func (m *countMetrics) RecordFetch(string, string, bool) {}
func (m *countMetrics) RecordCacheLookup(string, bool)   {}
func (m *countMetrics) RecordDisagreement(string)        {}
func (m *countMetrics) RecordCircuitState(string, int)   {}
func (m *countMetrics) RecordLastPrice(string, float64)  {}
func (m *countMetrics) RecordLatency(string, float64)    {}
func (m *countMetrics) RecordBatchFlush(string, int)     {}

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	l, err := applogger.New(&applogger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func tickBar(symbol string, price float64) *models.Bar {
	return &models.Bar{
		Symbol:     symbol,
		Bucket:     time.Now().UTC(),
		Resolution: models.ResTick,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     1,
		Source:     "test",
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	w := New(Config{BatchSize: 3, BatchWindow: time.Hour}, store, nil, newCountMetrics(), testLogger(t))
	w.Start(context.Background())
	defer w.Stop()

	w.EnqueueTick(tickBar("AAPL", 1))
	w.EnqueueTick(tickBar("AAPL", 2))
	w.EnqueueTick(tickBar("AAPL", 3))

	require.Eventually(t, func() bool { return store.stored() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestFlushOnWindow(t *testing.T) {
	store := &fakeStore{}
	w := New(Config{BatchSize: 1000, BatchWindow: 20 * time.Millisecond}, store, nil, newCountMetrics(), testLogger(t))
	w.Start(context.Background())
	defer w.Stop()

	w.EnqueueTick(tickBar("MSFT", 1))
	w.EnqueueTick(tickBar("MSFT", 2))

	require.Eventually(t, func() bool { return store.stored() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueQuoteBecomesTickRow(t *testing.T) {
	store := &fakeStore{}
	w := New(Config{BatchSize: 1, BatchWindow: time.Hour}, store, nil, newCountMetrics(), testLogger(t))
	w.Start(context.Background())
	defer w.Stop()

	ts := time.Now().UTC()
	w.EnqueueQuote(&models.ReconciledRecord{
		Quote: &models.Quote{
			Symbol:    "AAPL",
			Price:     187.5,
			Volume:    300,
			Timestamp: ts,
			Source:    "alpha",
		},
		WinningSrc: "alpha",
	})

	require.Eventually(t, func() bool { return store.stored() == 1 }, 2*time.Second, 10*time.Millisecond)
	store.mu.Lock()
	bar := store.batches[0][0]
	store.mu.Unlock()
	require.Equal(t, "AAPL", bar.Symbol)
	require.Equal(t, models.ResTick, bar.Resolution)
	require.Equal(t, 187.5, bar.Open)
	require.Equal(t, 187.5, bar.Close)
	require.Equal(t, 300.0, bar.Volume)
	require.Equal(t, "alpha", bar.Source)
	require.Equal(t, ts, bar.Bucket)
}

func TestLiveBatchDroppedAfterRetries(t *testing.T) {
	store := &fakeStore{failures: 1000}
	sink := &fakeSink{}
	metrics := newCountMetrics()
	w := New(Config{BatchSize: 1, BatchWindow: time.Hour, MaxRetries: 2, RetryBackoff: time.Millisecond},
		store, nil, metrics, testLogger(t), WithEventSink(sink))
	w.Start(context.Background())
	defer w.Stop()

	w.EnqueueTick(tickBar("AAPL", 1))

	require.Eventually(t, func() bool { return sink.has("writer.batch_dropped") }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, store.callCount())
	require.Equal(t, 2, metrics.errorCount("flush_live"))
	require.Equal(t, 0, store.stored())
}

func TestHistoricalRetriesUntilSuccess(t *testing.T) {
	store := &fakeStore{failures: 2}
	w := New(Config{BatchSize: 2, BatchWindow: time.Hour, RetryBackoff: time.Millisecond},
		store, nil, newCountMetrics(), testLogger(t))
	w.Start(context.Background())
	defer w.Stop()

	w.EnqueueBars([]*models.Bar{tickBar("AAPL", 1), tickBar("AAPL", 2)})

	require.Eventually(t, func() bool { return store.stored() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, store.callCount())
}

func TestInvalidatorCalledOncePerSymbol(t *testing.T) {
	store := &fakeStore{}
	var mu sync.Mutex
	var invalidated []string
	w := New(Config{BatchSize: 3, BatchWindow: time.Hour}, store, nil, newCountMetrics(), testLogger(t),
		WithInvalidator(func(symbol string) {
			mu.Lock()
			invalidated = append(invalidated, symbol)
			mu.Unlock()
		}))
	w.Start(context.Background())
	defer w.Stop()

	w.EnqueueTick(tickBar("AAPL", 1))
	w.EnqueueTick(tickBar("AAPL", 2))
	w.EnqueueTick(tickBar("MSFT", 3))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invalidated) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"AAPL", "MSFT"}, invalidated)
}

func TestKafkaBackendPublishes(t *testing.T) {
	pub := &fakePublisher{}
	w := New(Config{Backend: "kafka", BatchSize: 2, BatchWindow: time.Hour}, &fakeStore{}, pub, newCountMetrics(), testLogger(t))
	w.Start(context.Background())
	defer w.Stop()

	w.EnqueueTick(tickBar("AAPL", 1))
	w.EnqueueTick(tickBar("AAPL", 2))

	require.Eventually(t, func() bool { return pub.published() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	metrics := newCountMetrics()
	// no flush loop running, so the queue fills immediately
	w := New(Config{QueueCapacity: 1}, &fakeStore{}, nil, metrics, testLogger(t))

	w.EnqueueTick(tickBar("AAPL", 1))
	w.EnqueueTick(tickBar("AAPL", 2))
	w.EnqueueQuote(&models.ReconciledRecord{
		Quote:      &models.Quote{Symbol: "AAPL", Price: 1, Timestamp: time.Now().UTC()},
		WinningSrc: "alpha",
	})

	require.Equal(t, 2, metrics.errorCount("writer_queue_full"))
}

func TestStopDrainsQueuedRows(t *testing.T) {
	store := &fakeStore{}
	w := New(Config{BatchSize: 1000, BatchWindow: time.Hour}, store, nil, newCountMetrics(), testLogger(t))

	w.EnqueueTick(tickBar("AAPL", 1))
	w.EnqueueTick(tickBar("AAPL", 2))

	w.Start(context.Background())
	w.Stop()

	require.Equal(t, 2, store.stored())
}
