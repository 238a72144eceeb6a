package rollup

import (
	"context"
	"testing"
	"time"

	applogger "MarketAgg/pkg/logger"

	"github.com/stretchr/testify/require"
)

type nopMetrics struct{}

func (nopMetrics) RecordFetch(string, string, bool)   {}
func (nopMetrics) RecordCacheLookup(string, bool)     {}
func (nopMetrics) RecordDisagreement(string)          {}
func (nopMetrics) RecordCircuitState(string, int)     {}
func (nopMetrics) RecordLastPrice(string, float64)    {}
func (nopMetrics) RecordLatency(string, float64)      {}
func (nopMetrics) RecordError(string)                 {}
func (nopMetrics) RecordBatchFlush(string, int)       {}

type fakeStore struct {
	ops         []string
	rollupFrom  time.Time
	rollupTo    time.Time
	compressOld []string
	expiredOld  []string
	calls       int
}

func (f *fakeStore) RollupWindow(_ context.Context, from, to time.Time) error {
	f.rollupFrom, f.rollupTo = from, to
	f.ops = append(f.ops, "rollup")
	return nil
}

func (f *fakeStore) PartitionsBefore(_ context.Context, _ time.Time) ([]string, error) {
	f.calls++
	if f.calls == 1 {
		return f.compressOld, nil
	}
	return f.expiredOld, nil
}

func (f *fakeStore) CompressPartition(_ context.Context, p string) error {
	f.ops = append(f.ops, "compress:"+p)
	return nil
}

func (f *fakeStore) DropPartition(_ context.Context, p string) error {
	f.ops = append(f.ops, "drop:"+p)
	return nil
}

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	l, err := applogger.New(&applogger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func TestRunRollupWindowBounds(t *testing.T) {
	store := &fakeStore{}
	now := time.Date(2025, 3, 1, 14, 25, 0, 0, time.UTC)
	s := NewScheduler(store,
		AggregationPolicy{Width: time.Hour, Grace: time.Hour, Interval: time.Hour},
		RetentionPolicy{},
		nopMetrics{}, testLogger(t),
		WithClock(func() time.Time { return now }),
	)

	s.RunRollup(context.Background())

	require.Equal(t, time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC), store.rollupTo)
	require.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), store.rollupFrom)
}

func TestRunMaintenanceCompressesBeforeDrop(t *testing.T) {
	store := &fakeStore{
		compressOld: []string{"202401", "202402", "202501"},
		expiredOld:  []string{"202401", "202402"},
	}
	s := NewScheduler(store,
		AggregationPolicy{},
		RetentionPolicy{MaxAge: 365 * 24 * time.Hour, CompressAge: 7 * 24 * time.Hour, Interval: 24 * time.Hour},
		nopMetrics{}, testLogger(t),
	)

	s.RunMaintenance(context.Background())

	// every expired partition must be compressed before it is dropped,
	// and non-expired aged partitions are compressed only
	require.Equal(t, []string{
		"compress:202401", "drop:202401",
		"compress:202402", "drop:202402",
		"compress:202501",
	}, store.ops)
}
