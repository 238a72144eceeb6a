package source

import (
	"context"
	"sync/atomic"
	"time"

	"MarketAgg/internal/domain/models"
)

// Fake is a scriptable in-memory adapter used in tests and local
// development when no provider credentials are configured.
type Fake struct {
	AdapterName string
	Caps        Capabilities
	Price       float64
	Err         error
	Delay       time.Duration
	Now         func() time.Time

	calls atomic.Int64
}

func NewFake(name string, price float64) *Fake {
	return &Fake{
		AdapterName: name,
		Caps:        Capabilities{Quotes: true, History: true, Crypto: true, MaxBatch: 1},
		Price:       price,
		Now:         time.Now,
	}
}

func (f *Fake) Name() string { return f.AdapterName }

func (f *Fake) Capabilities() Capabilities { return f.Caps }

// Calls returns how many fetches were issued against this adapter.
func (f *Fake) Calls() int64 { return f.calls.Load() }

func (f *Fake) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	f.calls.Add(1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, models.ErrTimeout
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return &models.Quote{
		Symbol:    symbol,
		Price:     f.Price,
		Bid:       f.Price - 0.01,
		Ask:       f.Price + 0.01,
		Timestamp: f.Now().UTC(),
		Source:    f.AdapterName,
	}, nil
}

func (f *Fake) FetchHistory(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) ([]*models.Bar, error) {
	f.calls.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}
	step := res.Duration()
	if step <= 0 {
		step = time.Minute
	}
	var bars []*models.Bar
	for t := models.TruncateToBucket(from, res); !t.After(to); t = t.Add(step) {
		b, err := models.NewBar(symbol, t, res, f.Price, f.Price, f.Price, f.Price, 100, f.AdapterName)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, nil
}
