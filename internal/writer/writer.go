package writer

import (
	"context"
	"sync"
	"time"

	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/domain/repository"
	applogger "MarketAgg/pkg/logger"
)

// Config tunes the batching writer.
type Config struct {
	Backend       string        // "clickhouse" or "kafka"
	BatchSize     int           // rows per flush, default 1000
	BatchWindow   time.Duration // max time a row waits, default 500ms
	MaxRetries    int           // live-quote batches dropped after this many attempts
	RetryBackoff  time.Duration // base backoff between historical retries
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = "clickhouse"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 8192
	}
	return c
}

type item struct {
	bar        *models.Bar
	historical bool
}

// Writer accepts reconciled data asynchronously and flushes it to the
// configured backend in batches. Callers never block on storage; a full
// queue drops live rows (and counts them) rather than stalling the
// request path.
type Writer struct {
	cfg     Config
	store   repository.BarStorage
	pub     repository.Publisher
	events  repository.EventSink
	metrics repository.Metrics
	log     *applogger.Logger

	// invalidate is called with the symbol after a successful flush so
	// the cache can drop superseded quote entries
	invalidate func(symbol string)

	in     chan item
	wg     sync.WaitGroup
	closed chan struct{}
}

type Option func(*Writer)

// WithInvalidator wires cache write-through invalidation.
func WithInvalidator(fn func(symbol string)) Option {
	return func(w *Writer) { w.invalidate = fn }
}

// WithEventSink wires the observability event queue.
func WithEventSink(sink repository.EventSink) Option {
	return func(w *Writer) { w.events = sink }
}

func New(cfg Config, store repository.BarStorage, pub repository.Publisher, metrics repository.Metrics, log *applogger.Logger, opts ...Option) *Writer {
	w := &Writer{
		cfg:     cfg.withDefaults(),
		store:   store,
		pub:     pub,
		metrics: metrics,
		log:     log,
		closed:  make(chan struct{}),
	}
	w.in = make(chan item, w.cfg.QueueCapacity)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the flush loop. It runs until ctx is cancelled, then
// drains what is already queued.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop waits for the flush loop to drain and exit.
func (w *Writer) Stop() {
	close(w.closed)
	w.wg.Wait()
}

// EnqueueQuote queues a reconciled quote as a tick row. Loss is tolerated:
// if the queue is full the row is counted and dropped.
func (w *Writer) EnqueueQuote(rec *models.ReconciledRecord) {
	if rec == nil || rec.Quote == nil {
		return
	}
	q := rec.Quote
	price := q.Price
	bar := &models.Bar{
		Symbol:     q.Symbol,
		Bucket:     q.Timestamp,
		Resolution: models.ResTick,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     q.Volume,
		Source:     rec.WinningSrc,
		IngestedAt: time.Now().UTC(),
	}
	select {
	case w.in <- item{bar: bar}:
	default:
		w.metrics.RecordError("writer_queue_full")
	}
}

// EnqueueTick queues a single live tick bar, dropping it if the queue
// is full. Used by the streaming ingest path.
func (w *Writer) EnqueueTick(bar *models.Bar) {
	if bar == nil {
		return
	}
	select {
	case w.in <- item{bar: bar}:
	default:
		w.metrics.RecordError("writer_queue_full")
	}
}

// EnqueueBars queues historical bars. Historical data is not allowed to
// be lost, so this blocks if the queue is full.
func (w *Writer) EnqueueBars(bars []*models.Bar) {
	for _, b := range bars {
		if b == nil {
			continue
		}
		select {
		case w.in <- item{bar: b, historical: true}:
		case <-w.closed:
			return
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.BatchWindow)
	defer ticker.Stop()

	var live, historical []*models.Bar
	flush := func() {
		if len(live) > 0 {
			w.flushLive(ctx, live)
			live = nil
		}
		if len(historical) > 0 {
			w.flushHistorical(ctx, historical)
			historical = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.drain(&live, &historical)
			flush()
			return
		case <-w.closed:
			w.drain(&live, &historical)
			flush()
			return
		case it := <-w.in:
			if it.historical {
				historical = append(historical, it.bar)
			} else {
				live = append(live, it.bar)
			}
			if len(live)+len(historical) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drain pulls whatever is still queued without waiting.
func (w *Writer) drain(live, historical *[]*models.Bar) {
	for {
		select {
		case it := <-w.in:
			if it.historical {
				*historical = append(*historical, it.bar)
			} else {
				*live = append(*live, it.bar)
			}
		default:
			return
		}
	}
}

// flushLive retries the batch a bounded number of times, then drops it
// with an error event. Live quote loss is tolerated by policy.
func (w *Writer) flushLive(ctx context.Context, batch []*models.Bar) {
	var err error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if err = w.write(ctx, batch); err == nil {
			w.afterFlush(batch)
			return
		}
		w.metrics.RecordError("flush_live")
		select {
		case <-time.After(w.cfg.RetryBackoff):
		case <-ctx.Done():
			return
		}
	}

	w.log.Error("live batch dropped after retries",
		applogger.Int("rows", len(batch)),
		applogger.Int("attempts", w.cfg.MaxRetries),
		applogger.Error(err),
	)
	if w.events != nil {
		_ = w.events.PublishMessage(ctx, "writer.batch_dropped", map[string]interface{}{
			"rows":  len(batch),
			"error": err.Error(),
		})
	}
}

// flushHistorical retries indefinitely with growing backoff; historical
// bars may not be lost. Gives up only when the process is stopping.
func (w *Writer) flushHistorical(ctx context.Context, batch []*models.Bar) {
	backoff := w.cfg.RetryBackoff
	for {
		err := w.write(ctx, batch)
		if err == nil {
			w.afterFlush(batch)
			return
		}
		w.metrics.RecordError("flush_historical")
		w.log.Warn("historical batch flush failed, retrying",
			applogger.Int("rows", len(batch)),
			applogger.Duration("backoff", backoff),
			applogger.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			w.log.Error("historical batch abandoned on shutdown", applogger.Int("rows", len(batch)))
			return
		case <-w.closed:
			// final attempt with a short deadline before giving up
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.write(final, batch); err == nil {
				w.afterFlush(batch)
			}
			cancel()
			return
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (w *Writer) write(ctx context.Context, batch []*models.Bar) error {
	start := time.Now()
	var err error
	switch w.cfg.Backend {
	case "kafka":
		err = w.pub.PublishBars(ctx, batch)
	default:
		err = w.store.StoreBars(ctx, batch)
	}
	if err == nil {
		w.metrics.RecordBatchFlush(w.cfg.Backend, len(batch))
		w.metrics.RecordLatency("writer_flush", time.Since(start).Seconds())
	}
	return err
}

func (w *Writer) afterFlush(batch []*models.Bar) {
	if w.invalidate == nil {
		return
	}
	seen := make(map[string]struct{}, 8)
	for _, b := range batch {
		if _, ok := seen[b.Symbol]; ok {
			continue
		}
		seen[b.Symbol] = struct{}{}
		w.invalidate(b.Symbol)
	}
}
