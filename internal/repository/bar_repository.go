package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"MarketAgg/internal/domain/models"
	domrepo "MarketAgg/internal/domain/repository"
	pkgkafka "MarketAgg/pkg/kafka"
)

// ClickHouseBarStorage implements BarStorage on ClickHouse. The table is
// a ReplacingMergeTree versioned by ingestion time, so re-inserting the
// same (symbol, bucket, resolution, source) key is an upsert where the
// newest ingestion wins.
type ClickHouseBarStorage struct {
	db       *sql.DB
	table    string // e.g. marketagg.market_data
	download string // e.g. marketagg.data_downloads
}

// NewClickHouseBarStorage creates ClickHouse-backed bar storage.
func NewClickHouseBarStorage(db *sql.DB, table, downloadTable string) *ClickHouseBarStorage {
	return &ClickHouseBarStorage{db: db, table: table, download: downloadTable}
}

var _ domrepo.BarStorage = (*ClickHouseBarStorage)(nil)

func (s *ClickHouseBarStorage) Init(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseBarStorage) StoreBars(ctx context.Context, bars []*models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	// Multi-row VALUES insert chunked to bound statement size.
	const chunkSize = 2000
	for start := 0; start < len(bars); start += chunkSize {
		end := start + chunkSize
		if end > len(bars) {
			end = len(bars)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*10)
		for _, b := range bars[start:end] {
			if b == nil || b.Symbol == "" {
				continue
			}
			ingested := b.IngestedAt
			if ingested.IsZero() {
				ingested = time.Now().UTC()
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				b.Bucket,
				b.Symbol,
				string(b.Resolution),
				b.Open,
				b.High,
				b.Low,
				b.Close,
				b.Volume,
				b.Source,
				ingested,
			)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf(
			"INSERT INTO %s (bucket, symbol, resolution, open, high, low, close, volume, source, ingested_at) VALUES %s",
			s.table, strings.Join(values, ","),
		)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("store bars: %v: %w", err, models.ErrStorageWriteFailed)
		}
	}
	return nil
}

func (s *ClickHouseBarStorage) QueryBars(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) ([]*models.Bar, error) {
	// FINAL collapses ReplacingMergeTree versions so callers see exactly
	// one row per key.
	q := fmt.Sprintf(`
        SELECT bucket, symbol, resolution, open, high, low, close, volume, source
        FROM %s FINAL
        WHERE symbol = ? AND resolution = ? AND bucket >= ? AND bucket <= ?
        ORDER BY bucket ASC
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, string(res), from, to)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Bar, 0, 1024)
	for rows.Next() {
		var b models.Bar
		var resStr string
		if err := rows.Scan(&b.Bucket, &b.Symbol, &resStr, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Source); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Resolution = models.Resolution(resStr)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *ClickHouseBarStorage) Covered(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) (bool, error) {
	q := fmt.Sprintf(`
        SELECT count() FROM %s
        WHERE symbol = ? AND resolution = ? AND range_start <= ? AND range_end >= ?
    `, s.download)
	var n uint64
	if err := s.db.QueryRowContext(ctx, q, symbol, string(res), from, to).Scan(&n); err != nil {
		return false, fmt.Errorf("coverage check: %w", err)
	}
	return n > 0, nil
}

func (s *ClickHouseBarStorage) RecordDownload(ctx context.Context, symbol string, from, to time.Time, res models.Resolution, source string) error {
	q := fmt.Sprintf(
		"INSERT INTO %s (symbol, resolution, range_start, range_end, source, downloaded_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.download,
	)
	if _, err := s.db.ExecContext(ctx, q, symbol, string(res), from, to, source, time.Now().UTC()); err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

func (s *ClickHouseBarStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseBarStorage) Close() error {
	return nil // pool owned by pkg/clickhouse
}

// KafkaRecordPublisher implements Publisher on the Kafka producer.
type KafkaRecordPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaRecordPublisher creates a Kafka publisher for reconciled data.
func NewKafkaRecordPublisher(producer *pkgkafka.Producer, topic string) *KafkaRecordPublisher {
	return &KafkaRecordPublisher{producer: producer, topic: topic}
}

var _ domrepo.Publisher = (*KafkaRecordPublisher)(nil)

func (p *KafkaRecordPublisher) PublishRecord(ctx context.Context, rec *models.ReconciledRecord) error {
	if rec == nil || rec.Quote == nil {
		return nil
	}
	return p.producer.Publish(ctx, p.topic, []byte(rec.Quote.Symbol), map[string]interface{}{
		"symbol":     rec.Quote.Symbol,
		"price":      rec.Quote.Price,
		"t":          rec.Quote.Timestamp.Unix(),
		"source":     rec.WinningSrc,
		"confidence": rec.Confidence,
	})
}

func (p *KafkaRecordPublisher) PublishBars(ctx context.Context, bars []*models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	// Bars go over the wire in their canonical JSON shape so the consumer
	// side unmarshals them straight back into models.Bar.
	msgs := make([]pkgkafka.Message, len(bars))
	for i, b := range bars {
		msgs[i] = pkgkafka.Message{Key: []byte(b.Symbol), Value: b}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaRecordPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
