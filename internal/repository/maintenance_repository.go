package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/rollup"
)

// ClickHouseMaintenance implements the scheduler's MaintenanceStore on
// ClickHouse. The raw table is partitioned by month (toYYYYMM(bucket)),
// so compression and retention operate on whole partitions.
type ClickHouseMaintenance struct {
	db          *sql.DB
	rawTable    string // database-qualified, e.g. marketagg.market_data
	rollupTable string // database-qualified, e.g. marketagg.market_data_1h
	database    string
	table       string // bare raw table name for system.parts lookups
}

// NewClickHouseMaintenance takes bare table names and qualifies them with
// the database itself; system.parts filters need the bare name.
func NewClickHouseMaintenance(db *sql.DB, database, rawTable, rollupTable string) *ClickHouseMaintenance {
	return &ClickHouseMaintenance{
		db:          db,
		rawTable:    database + "." + rawTable,
		rollupTable: database + "." + rollupTable,
		database:    database,
		table:       rawTable,
	}
}

var _ rollup.MaintenanceStore = (*ClickHouseMaintenance)(nil)

// RollupWindow recomputes hourly buckets over [from, to) from the tick
// rows. The rollup table is a ReplacingMergeTree, so recomputing the
// same window is idempotent.
func (m *ClickHouseMaintenance) RollupWindow(ctx context.Context, from, to time.Time) error {
	q := fmt.Sprintf(`
        INSERT INTO %s (symbol, bucket, resolution, open, high, low, close, volume, source, ingested_at)
        SELECT
            symbol,
            toStartOfHour(bucket) AS hour_bucket,
            '%s' AS resolution,
            argMin(open, bucket) AS open,
            max(high) AS high,
            min(low) AS low,
            argMax(close, bucket) AS close,
            sum(volume) AS volume,
            'rollup' AS source,
            now64(3) AS ingested_at
        FROM %s FINAL
        WHERE bucket >= ? AND bucket < ? AND resolution = '%s'
        GROUP BY symbol, hour_bucket
    `, m.rollupTable, models.Res1h, m.rawTable, models.ResTick)
	if _, err := m.db.ExecContext(ctx, q, from, to); err != nil {
		return fmt.Errorf("rollup window: %w", err)
	}
	return nil
}

func (m *ClickHouseMaintenance) PartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	q := `
        SELECT partition
        FROM system.parts
        WHERE database = ? AND table = ? AND active
        GROUP BY partition
        HAVING max(max_date) < toDate(?)
        ORDER BY partition ASC
    `
	rows, err := m.db.QueryContext(ctx, q, m.database, m.table, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompressPartition forces a final merge so the partition ends up in as
// few read-optimized parts as possible; no further mutation is expected.
func (m *ClickHouseMaintenance) CompressPartition(ctx context.Context, partition string) error {
	q := fmt.Sprintf("OPTIMIZE TABLE %s PARTITION %s FINAL", m.rawTable, partition)
	if _, err := m.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("compress partition %s: %w", partition, err)
	}
	return nil
}

func (m *ClickHouseMaintenance) DropPartition(ctx context.Context, partition string) error {
	q := fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", m.rawTable, partition)
	if _, err := m.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("drop partition %s: %w", partition, err)
	}
	return nil
}
