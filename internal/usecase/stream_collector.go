package usecase

import (
	"context"

	"MarketAgg/internal/domain/models"
	drepo "MarketAgg/internal/domain/repository"
	mid "MarketAgg/internal/middleware"
)

// StreamCollector drives a live MarketStream: connect, subscribe, and
// pump trades through the realtime pipeline into the ingestor.
type StreamCollector struct {
	stream  drepo.MarketStream
	ing     *TradeIngestor
	metrics drepo.Metrics
	pipe    *mid.RealtimePipeline
}

func NewStreamCollector(stream drepo.MarketStream, ing *TradeIngestor, metrics drepo.Metrics, pipe *mid.RealtimePipeline) *StreamCollector {
	return &StreamCollector{stream: stream, ing: ing, metrics: metrics, pipe: pipe}
}

// IsConnected reports whether the underlying stream is up.
func (c *StreamCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *StreamCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	trCh, errCh := c.stream.Read(ctx)
	go c.consume(ctx, trCh, errCh)
	return nil
}

func (c *StreamCollector) consume(ctx context.Context, trCh <-chan *models.Trade, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			// a nil error means the channel closed, the stream is dead
			// either way
			if err != nil {
				c.metrics.RecordError("stream")
			}
			if rerr := c.stream.Reconnect(ctx); rerr == nil {
				trCh, errCh = c.stream.Read(ctx)
			}
		case t := <-trCh:
			if t == nil {
				continue
			}
			if c.pipe != nil {
				_ = c.pipe.Process(ctx, t)
			} else {
				_ = c.ing.Process(ctx, t)
			}
			c.metrics.RecordLastPrice(t.Symbol, t.Price)
		}
	}
}

// Shutdown stops the pipeline and closes the stream.
func (c *StreamCollector) Shutdown(ctx context.Context) error {
	if c.pipe != nil {
		c.pipe.Stop()
	}
	return c.stream.Close()
}
