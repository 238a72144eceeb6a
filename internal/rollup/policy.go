package rollup

import (
	"time"

	"MarketAgg/internal/domain/models"
)

// AggregationPolicy declares one continuous rollup: every Interval,
// recompute buckets of Width over a sliding window with Grace worth of
// late-data slack.
type AggregationPolicy struct {
	Width     time.Duration     // rollup bucket width
	Grace     time.Duration     // late-data grace, usually one bucket
	Interval  time.Duration     // how often the job runs
	SourceRes models.Resolution // raw resolution the rollup reads
}

func (p AggregationPolicy) withDefaults() AggregationPolicy {
	if p.Width <= 0 {
		p.Width = time.Hour
	}
	if p.Grace <= 0 {
		p.Grace = p.Width
	}
	if p.Interval <= 0 {
		p.Interval = time.Hour
	}
	if p.SourceRes == "" {
		p.SourceRes = models.ResTick
	}
	return p
}

// RetentionPolicy declares how old data is compressed and pruned.
// Compression always runs before retention for the same partition.
type RetentionPolicy struct {
	MaxAge      time.Duration // rows older than this are deleted
	CompressAge time.Duration // rows older than this are read-optimized
	Interval    time.Duration // how often the maintenance job runs
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.MaxAge <= 0 {
		p.MaxAge = 365 * 24 * time.Hour
	}
	if p.CompressAge <= 0 {
		p.CompressAge = 7 * 24 * time.Hour
	}
	if p.Interval <= 0 {
		p.Interval = 24 * time.Hour
	}
	return p
}
