package rollup

import (
	"context"
	"time"

	"MarketAgg/internal/domain/repository"
	applogger "MarketAgg/pkg/logger"
)

// MaintenanceStore is the slice of the time-series store the scheduler
// drives: continuous rollups, partition compression, and retention.
type MaintenanceStore interface {
	// RollupWindow recomputes the rollup over [from, to).
	RollupWindow(ctx context.Context, from, to time.Time) error
	// PartitionsBefore lists partition ids whose newest row is older
	// than cutoff, oldest first.
	PartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// CompressPartition marks a partition read-optimized.
	CompressPartition(ctx context.Context, partition string) error
	// DropPartition deletes a whole partition.
	DropPartition(ctx context.Context, partition string) error
}

// Scheduler drives continuous aggregation and retention on fixed
// intervals, fully decoupled from the ingestion path.
type Scheduler struct {
	store   MaintenanceStore
	agg     AggregationPolicy
	ret     RetentionPolicy
	metrics repository.Metrics
	log     *applogger.Logger
	now     func() time.Time
}

type Option func(*Scheduler)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store MaintenanceStore, agg AggregationPolicy, ret RetentionPolicy, metrics repository.Metrics, log *applogger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		agg:     agg.withDefaults(),
		ret:     ret.withDefaults(),
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the rollup and maintenance loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.rollupLoop(ctx)
	go s.maintenanceLoop(ctx)
}

func (s *Scheduler) rollupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.agg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunRollup(ctx)
		}
	}
}

// RunRollup recomputes the rollup over the sliding window ending at the
// last closed bucket, with one policy grace period of late-data slack.
func (s *Scheduler) RunRollup(ctx context.Context) {
	now := s.now().UTC()
	to := now.Truncate(s.agg.Width)
	from := to.Add(-s.agg.Width - s.agg.Grace)

	start := time.Now()
	if err := s.store.RollupWindow(ctx, from, to); err != nil {
		s.metrics.RecordError("rollup")
		s.log.Error("rollup window failed",
			applogger.String("from", from.Format(time.RFC3339)),
			applogger.String("to", to.Format(time.RFC3339)),
			applogger.Error(err),
		)
		return
	}
	s.metrics.RecordLatency("rollup", time.Since(start).Seconds())
	s.log.Debug("rollup window done",
		applogger.String("from", from.Format(time.RFC3339)),
		applogger.String("to", to.Format(time.RFC3339)),
	)
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ret.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance compresses aged partitions, then prunes expired ones,
// oldest first. A partition crossing both thresholds in the same cycle
// is compressed before its delete runs; the two jobs are serialized per
// partition to keep them from racing.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	now := s.now().UTC()

	compressible, err := s.store.PartitionsBefore(ctx, now.Add(-s.ret.CompressAge))
	if err != nil {
		s.metrics.RecordError("maintenance")
		s.log.Error("partition listing failed", applogger.Error(err))
		return
	}
	expired := make(map[string]bool)
	if parts, err := s.store.PartitionsBefore(ctx, now.Add(-s.ret.MaxAge)); err == nil {
		for _, p := range parts {
			expired[p] = true
		}
	} else {
		s.metrics.RecordError("maintenance")
		s.log.Error("expired partition listing failed", applogger.Error(err))
	}

	for _, part := range compressible {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.store.CompressPartition(ctx, part); err != nil {
			s.metrics.RecordError("compress")
			s.log.Warn("partition compression failed", applogger.String("partition", part), applogger.Error(err))
			// an uncompressed expired partition is still safe to drop
		}
		if expired[part] {
			if err := s.store.DropPartition(ctx, part); err != nil {
				s.metrics.RecordError("retention")
				s.log.Warn("partition drop failed", applogger.String("partition", part), applogger.Error(err))
				continue
			}
			s.log.Info("partition pruned", applogger.String("partition", part))
		}
	}
}
