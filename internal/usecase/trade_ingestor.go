package usecase

import (
	"context"
	"fmt"
	"time"

	"MarketAgg/internal/domain/models"
	drepo "MarketAgg/internal/domain/repository"
	"MarketAgg/internal/writer"
)

// TradeIngestor turns live stream trades into tick bars and routes them
// to the configured backend: "clickhouse" goes through the batching
// writer, "kafka" publishes to the broker for the consumer side to
// persist.
type TradeIngestor struct {
	w       *writer.Writer
	pub     drepo.Publisher
	metrics drepo.Metrics
	backend string
}

func NewTradeIngestor(w *writer.Writer, pub drepo.Publisher, metrics drepo.Metrics, backend string) *TradeIngestor {
	if backend == "" {
		backend = "clickhouse"
	}
	return &TradeIngestor{w: w, pub: pub, metrics: metrics, backend: backend}
}

func tradeToTick(t *models.Trade) *models.Bar {
	return &models.Bar{
		Symbol:     t.Symbol,
		Bucket:     time.Unix(t.Timestamp, 0).UTC(),
		Resolution: models.ResTick,
		Open:       t.Price,
		High:       t.Price,
		Low:        t.Price,
		Close:      t.Price,
		Volume:     t.Volume,
		Source:     t.Source,
		IngestedAt: time.Now().UTC(),
	}
}

// Process routes a single trade.
func (p *TradeIngestor) Process(ctx context.Context, t *models.Trade) error {
	if t == nil {
		return fmt.Errorf("trade is nil")
	}
	start := time.Now()
	bar := tradeToTick(t)

	switch p.backend {
	case "kafka":
		if err := p.pub.PublishBars(ctx, []*models.Bar{bar}); err != nil {
			p.metrics.RecordError("ingest_publish")
			return fmt.Errorf("publish tick: %w", err)
		}
	case "clickhouse":
		p.w.EnqueueTick(bar)
	default:
		return fmt.Errorf("unknown ingest backend: %s", p.backend)
	}

	p.metrics.RecordLatency("ingest", time.Since(start).Seconds())
	return nil
}

// Close releases the publisher if one is wired.
func (p *TradeIngestor) Close() {
	if p.pub != nil {
		_ = p.pub.Close()
	}
}
