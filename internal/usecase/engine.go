package usecase

import (
	"context"
	"fmt"
	"time"

	icache "MarketAgg/internal/cache"
	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/domain/repository"
	"MarketAgg/internal/failover"
	"MarketAgg/internal/writer"
	applogger "MarketAgg/pkg/logger"
)

// Engine is the caller-facing surface of the aggregation core: cache
// first, failover coordinator on miss, persistence async. Synchronous
// from the caller's perspective.
type Engine struct {
	cache   *icache.Tiered
	coord   *failover.Coordinator
	writer  *writer.Writer
	store   repository.BarStorage
	metrics repository.Metrics
	log     *applogger.Logger
}

func NewEngine(
	cache *icache.Tiered,
	coord *failover.Coordinator,
	w *writer.Writer,
	store repository.BarStorage,
	metrics repository.Metrics,
	log *applogger.Logger,
) *Engine {
	return &Engine{
		cache:   cache,
		coord:   coord,
		writer:  w,
		store:   store,
		metrics: metrics,
		log:     log,
	}
}

// GetQuote returns the reconciled live quote for symbol. Concurrent
// callers for the same symbol share one upstream fan-out.
func (e *Engine) GetQuote(ctx context.Context, symbol string) (*models.ReconciledRecord, error) {
	if symbol == "" {
		return nil, models.ErrInvalidSymbol
	}
	start := time.Now()
	key := icache.QuoteKey(symbol)
	ttl := e.cache.TTL(icache.KindQuote, "")

	rec, err := e.cache.GetOrFetch(ctx, key, ttl, func(fctx context.Context) (*models.ReconciledRecord, error) {
		rec, err := e.coord.GetQuote(fctx, symbol)
		if err != nil {
			return nil, err
		}
		// persistence never blocks the response
		e.writer.EnqueueQuote(rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordLatency("get_quote", time.Since(start).Seconds())
	return rec, nil
}

// GetHistory returns bars for [from, to] at the requested resolution.
// Ranges already downloaded are served from the store; anything else is
// fetched through the coordinator and persisted.
func (e *Engine) GetHistory(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) ([]*models.Bar, error) {
	if symbol == "" {
		return nil, models.ErrInvalidSymbol
	}
	if !models.IsValidResolution(res) || res == models.ResTick {
		return nil, fmt.Errorf("history: unsupported resolution %q: %w", res, models.ErrInvalidSymbol)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("history: empty range: %w", models.ErrInvalidSymbol)
	}
	start := time.Now()

	if covered, err := e.store.Covered(ctx, symbol, from, to, res); err == nil && covered {
		bars, qerr := e.store.QueryBars(ctx, symbol, from, to, res)
		if qerr == nil && len(bars) > 0 {
			e.metrics.RecordCacheLookup("store", true)
			e.metrics.RecordLatency("get_history", time.Since(start).Seconds())
			return bars, nil
		}
		if qerr != nil {
			e.log.Warn("covered range query failed, falling back to sources",
				applogger.String("symbol", symbol), applogger.Error(qerr))
		}
	}

	key := icache.BarsKey(symbol, res, from, to)
	ttl := e.cache.TTL(icache.KindBars, res)

	rec, err := e.cache.GetOrFetch(ctx, key, ttl, func(fctx context.Context) (*models.ReconciledRecord, error) {
		rec, err := e.coord.GetHistory(fctx, symbol, from, to, res)
		if err != nil {
			return nil, err
		}
		if len(rec.Bars) > 0 {
			bars := rec.Bars
			src := rec.WinningSrc
			go func() {
				e.writer.EnqueueBars(bars)
				dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if derr := e.store.RecordDownload(dctx, symbol, from, to, res, src); derr != nil {
					e.log.Warn("download bookkeeping failed",
						applogger.String("symbol", symbol), applogger.Error(derr))
				}
			}()
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordLatency("get_history", time.Since(start).Seconds())
	return rec.Bars, nil
}

// SourceHealth exposes the per-adapter health snapshot.
func (e *Engine) SourceHealth() []failover.SourceStatus {
	return e.coord.Health()
}
