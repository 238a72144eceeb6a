package rollup

import (
	"sort"
	"time"

	"MarketAgg/internal/domain/models"
)

// Compute derives rollup bars of the given width from raw bars, one
// aggregate per symbol per window: open is the first raw value by time,
// high the max, low the min, close the last by time, volume the sum.
// Output is ordered by symbol, then bucket.
func Compute(raw []*models.Bar, width time.Duration, outRes models.Resolution) []*models.Bar {
	if len(raw) == 0 || width <= 0 {
		return nil
	}

	sorted := make([]*models.Bar, len(raw))
	copy(sorted, raw)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Symbol != sorted[j].Symbol {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].Bucket.Before(sorted[j].Bucket)
	})

	type bucketKey struct {
		symbol string
		start  time.Time
	}
	buckets := make(map[bucketKey]*models.Bar)
	order := make([]bucketKey, 0, 8)
	for _, b := range sorted {
		start := b.Bucket.UTC().Truncate(width)
		key := bucketKey{symbol: b.Symbol, start: start}
		agg, ok := buckets[key]
		if !ok {
			buckets[key] = &models.Bar{
				Symbol:     b.Symbol,
				Bucket:     start,
				Resolution: outRes,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
				Source:     b.Source,
				IngestedAt: time.Now().UTC(),
			}
			order = append(order, key)
			continue
		}
		if b.High > agg.High {
			agg.High = b.High
		}
		if b.Low < agg.Low {
			agg.Low = b.Low
		}
		agg.Close = b.Close // sorted by time, so last write wins
		agg.Volume += b.Volume
	}

	out := make([]*models.Bar, 0, len(order))
	for _, key := range order {
		out = append(out, buckets[key])
	}
	return out
}
