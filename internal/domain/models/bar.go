package models

import (
	"fmt"
	"time"
)

// Resolution identifies the bucket width of a bar.
type Resolution string

const (
	ResTick Resolution = "tick"
	Res1s   Resolution = "1s"
	Res1m   Resolution = "1m"
	Res1h   Resolution = "1h"
	Res1d   Resolution = "1d"
)

// IsValidResolution returns true if r is a supported resolution.
func IsValidResolution(r Resolution) bool {
	switch r {
	case ResTick, Res1s, Res1m, Res1h, Res1d:
		return true
	default:
		return false
	}
}

// DefaultResolution returns the default bar resolution.
func DefaultResolution() Resolution { return Res1d }

// NormalizeResolution converts a raw string to a valid resolution (or default).
func NormalizeResolution(s string) Resolution {
	if s == "" {
		return DefaultResolution()
	}
	r := Resolution(s)
	if IsValidResolution(r) {
		return r
	}
	return DefaultResolution()
}

// Duration returns the bucket width. Tick bars have no width.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Res1s:
		return time.Second
	case Res1m:
		return time.Minute
	case Res1h:
		return time.Hour
	case Res1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Bar is a normalized OHLCV record for one bucket from one source.
// Identified by (symbol, bucket, resolution, source); competing bars for
// the same key coexist until reconciled.
type Bar struct {
	Symbol     string     `json:"symbol"`
	Bucket     time.Time  `json:"bucket"` // bucket start, UTC
	Resolution Resolution `json:"resolution"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Source     string     `json:"source"`
	IngestedAt time.Time  `json:"ingested_at"`
}

// NewBar constructs a bar and enforces the OHLC invariant
// (low <= open,close <= high, volume >= 0).
func NewBar(symbol string, bucket time.Time, res Resolution, o, h, l, c, v float64, source string) (*Bar, error) {
	b := &Bar{
		Symbol:     symbol,
		Bucket:     bucket.UTC(),
		Resolution: res,
		Open:       o,
		High:       h,
		Low:        l,
		Close:      c,
		Volume:     v,
		Source:     source,
		IngestedAt: time.Now().UTC(),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the OHLC invariant.
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume %f", b.Symbol, b.Bucket.Format(time.RFC3339), b.Volume)
	}
	if b.Low > b.Open || b.Low > b.Close || b.Open > b.High || b.Close > b.High || b.Low > b.High {
		return fmt.Errorf("bar %s@%s: OHLC out of order o=%f h=%f l=%f c=%f",
			b.Symbol, b.Bucket.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close)
	}
	return nil
}

// TruncateToBucket aligns t down to the start of its bucket for res.
func TruncateToBucket(t time.Time, res Resolution) time.Time {
	d := res.Duration()
	if d <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d)
}
