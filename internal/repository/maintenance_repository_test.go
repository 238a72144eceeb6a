package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMaintenance(t *testing.T) (*ClickHouseMaintenance, *sqlRecorder) {
	t.Helper()
	db, rec := captureDB(t)
	return NewClickHouseMaintenance(db, "marketagg", "market_data", "market_data_1h"), rec
}

func TestRollupWindowTargetsQualifiedTables(t *testing.T) {
	m, rec := testMaintenance(t)

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.RollupWindow(context.Background(), from, from.Add(time.Hour)))

	q := rec.last()
	require.Contains(t, q, "INSERT INTO marketagg.market_data_1h")
	require.Contains(t, q, "FROM marketagg.market_data FINAL")
	require.NotContains(t, q, "marketagg.marketagg")
}

func TestRollupWindowColumnsMatchSchema(t *testing.T) {
	m, rec := testMaintenance(t)

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.RollupWindow(context.Background(), from, from.Add(time.Hour)))

	q := rec.last()
	require.Contains(t, q, "(symbol, bucket, resolution, open, high, low, close, volume, source, ingested_at)")
	require.Contains(t, q, "'1h' AS resolution")
	require.Contains(t, q, "'rollup' AS source")
	require.Contains(t, q, "now64(3) AS ingested_at")
	require.Contains(t, q, "resolution = 'tick'")
}

func TestPartitionsBeforeUsesBareTableName(t *testing.T) {
	m, rec := testMaintenance(t)

	parts, err := m.PartitionsBefore(context.Background(), time.Now())
	require.NoError(t, err)
	require.Empty(t, parts)

	require.Contains(t, rec.last(), "FROM system.parts")
	args := rec.lastArgs()
	require.Len(t, args, 3)
	require.Equal(t, "marketagg", args[0].Value)
	require.Equal(t, "market_data", args[1].Value)
}

func TestCompressAndDropTargetRawTable(t *testing.T) {
	m, rec := testMaintenance(t)

	require.NoError(t, m.CompressPartition(context.Background(), "202603"))
	require.Contains(t, rec.last(), "OPTIMIZE TABLE marketagg.market_data PARTITION 202603 FINAL")

	require.NoError(t, m.DropPartition(context.Background(), "202603"))
	require.Contains(t, rec.last(), "ALTER TABLE marketagg.market_data DROP PARTITION 202603")
}
