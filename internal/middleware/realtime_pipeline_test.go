package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"MarketAgg/internal/domain/models"
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

type fakeProc struct {
	mu     sync.Mutex
	trades []*models.Trade
	fail   bool
}

func (p *fakeProc) Process(_ context.Context, t *models.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("downstream down")
	}
	p.trades = append(p.trades, t)
	return nil
}

func (p *fakeProc) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *fakeProc) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trades)
}

func trade(symbol string, price float64) *models.Trade {
	return &models.Trade{
		Symbol:    symbol,
		Price:     price,
		Volume:    10,
		Timestamp: time.Now().Unix(),
		Source:    "finnhub",
	}
}

func TestProcessRejectsInvalidTrades(t *testing.T) {
	proc := &fakeProc{}
	p := NewRealtimePipeline(proc, nopMetrics{})

	require.Error(t, p.Process(context.Background(), nil))
	require.Error(t, p.Process(context.Background(), &models.Trade{Price: 1, Timestamp: 1}))
	require.Error(t, p.Process(context.Background(), &models.Trade{Symbol: "AAPL", Price: 1}))
	require.Error(t, p.Process(context.Background(), &models.Trade{Symbol: "AAPL", Price: -1, Timestamp: 1}))
	require.Equal(t, 0, proc.count())
}

func TestProcessThrottlesPerSymbol(t *testing.T) {
	proc := &fakeProc{}
	p := NewRealtimePipeline(proc, nopMetrics{}, WithMaxRPS(2))

	require.NoError(t, p.Process(context.Background(), trade("AAPL", 1)))
	require.NoError(t, p.Process(context.Background(), trade("AAPL", 2)))
	// over budget: dropped without error
	require.NoError(t, p.Process(context.Background(), trade("AAPL", 3)))
	require.Equal(t, 2, proc.count())

	// other symbols have their own budget
	require.NoError(t, p.Process(context.Background(), trade("MSFT", 1)))
	require.Equal(t, 3, proc.count())
}

func TestProcessAppliesTransform(t *testing.T) {
	proc := &fakeProc{}
	p := NewRealtimePipeline(proc, nopMetrics{}, WithTransform(func(tr *models.Trade) *models.Trade {
		out := *tr
		out.Symbol = "X:" + tr.Symbol
		return &out
	}))

	require.NoError(t, p.Process(context.Background(), trade("AAPL", 1)))
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Equal(t, "X:AAPL", proc.trades[0].Symbol)
}

func TestProcessBuffersAndFlushesOnRecovery(t *testing.T) {
	proc := &fakeProc{fail: true}
	p := NewRealtimePipeline(proc, nopMetrics{}, WithBufferSize(8))
	p.Start(context.Background())
	defer p.Stop()

	require.Error(t, p.Process(context.Background(), trade("AAPL", 1)))
	require.Equal(t, 0, proc.count())

	proc.setFail(false)
	require.Eventually(t, func() bool { return proc.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}
