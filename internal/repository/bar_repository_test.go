package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"MarketAgg/internal/domain/models"
)

func testBarStorage(t *testing.T) (*ClickHouseBarStorage, *sqlRecorder) {
	t.Helper()
	db, rec := captureDB(t)
	return NewClickHouseBarStorage(db, "marketagg.market_data", "marketagg.data_downloads"), rec
}

// Upserts are delegated to the ReplacingMergeTree engine: the insert
// must carry the full (symbol, bucket, resolution, source) key plus the
// ingestion-time version column for the newest row to win.
func TestStoreBarsInsertsVersionedKeyColumns(t *testing.T) {
	s, rec := testBarStorage(t)

	b, err := models.NewBar("AAPL", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		models.Res1m, 10, 12, 9, 11, 100, "alpha")
	require.NoError(t, err)
	require.NoError(t, s.StoreBars(context.Background(), []*models.Bar{b}))

	q := rec.last()
	require.Contains(t, q, "INSERT INTO marketagg.market_data (bucket, symbol, resolution, open, high, low, close, volume, source, ingested_at)")

	args := rec.lastArgs()
	require.Len(t, args, 10)
	require.IsType(t, time.Time{}, args[9].Value)
}

func TestStoreBarsStampsIngestionTime(t *testing.T) {
	s, rec := testBarStorage(t)

	b, err := models.NewBar("AAPL", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		models.Res1m, 10, 12, 9, 11, 100, "alpha")
	require.NoError(t, err)
	b.IngestedAt = time.Time{}

	before := time.Now().UTC()
	require.NoError(t, s.StoreBars(context.Background(), []*models.Bar{b}))

	ingested, ok := rec.lastArgs()[9].Value.(time.Time)
	require.True(t, ok)
	require.False(t, ingested.Before(before))
}

func TestQueryBarsCollapsesVersionsWithFinal(t *testing.T) {
	s, rec := testBarStorage(t)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bars, err := s.QueryBars(context.Background(), "AAPL", from, from.Add(24*time.Hour), models.Res1m)
	require.NoError(t, err)
	require.Empty(t, bars)

	require.Contains(t, rec.last(), "FROM marketagg.market_data FINAL")
}
