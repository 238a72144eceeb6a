package usecase

import (
	"context"
	"encoding/json"
	"time"

	"MarketAgg/internal/domain/models"
	domrepo "MarketAgg/internal/domain/repository"
	pkgkafka "MarketAgg/pkg/kafka"
)

// KafkaBarsHandler consumes serialized bars off the broker and persists
// them. This is the other half of the "kafka" writer backend.
type KafkaBarsHandler struct {
	topic   string
	storage domrepo.BarStorage
	metrics domrepo.Metrics
}

func NewKafkaBarsHandler(topic string, storage domrepo.BarStorage, metrics domrepo.Metrics) *KafkaBarsHandler {
	return &KafkaBarsHandler{topic: topic, storage: storage, metrics: metrics}
}

func (h *KafkaBarsHandler) Topic() string { return h.topic }

func (h *KafkaBarsHandler) Handle(ctx context.Context, b []byte) error {
	var bar models.Bar
	if err := json.Unmarshal(b, &bar); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	if err := bar.Validate(); err != nil {
		h.metrics.RecordError("consumer_invalid_bar")
		return err
	}
	h.metrics.RecordLatency("ingest_e2e", time.Since(bar.Bucket).Seconds())

	start := time.Now()
	if err := h.storage.StoreBars(ctx, []*models.Bar{&bar}); err != nil {
		h.metrics.RecordError("consumer_store")
		return err
	}
	h.metrics.RecordLatency("ch_insert", time.Since(start).Seconds())
	h.metrics.RecordBatchFlush("clickhouse", 1)
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaBarsHandler)(nil)
