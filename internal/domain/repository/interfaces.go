package repository

import (
	"context"
	"time"

	"MarketAgg/internal/domain/models"
)

// MarketStream is a live trade feed (WebSocket) from one provider.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Trade, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// BarStorage is the time-series store for normalized bars.
// Writes are idempotent upserts on (symbol, bucket, source); the newest
// ingestion time wins.
type BarStorage interface {
	Init(ctx context.Context) error // ensure tables exist
	StoreBars(ctx context.Context, bars []*models.Bar) error
	QueryBars(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) ([]*models.Bar, error)
	// Covered reports whether [from, to] for (symbol, res) was already downloaded.
	Covered(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) (bool, error)
	RecordDownload(ctx context.Context, symbol string, from, to time.Time, res models.Resolution, source string) error
	Health(ctx context.Context) error
	Close() error
}

// Publisher pushes reconciled data to a message backend instead of (or in
// addition to) the store.
type Publisher interface {
	PublishRecord(ctx context.Context, rec *models.ReconciledRecord) error
	PublishBars(ctx context.Context, bars []*models.Bar) error
	Close() error
}

// EventSink receives internal observability events (disagreements,
// dropped batches). Failures here never surface to callers.
type EventSink interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// Metrics records operational metrics for the engine.
type Metrics interface {
	RecordFetch(source, kind string, ok bool)
	RecordCacheLookup(tier string, hit bool)
	RecordDisagreement(symbol string)
	RecordCircuitState(source string, state int)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordError(kind string)
	RecordBatchFlush(backend string, rows int)
}
