package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBarEnforcesOHLCInvariant(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	b, err := NewBar("AAPL", at, Res1h, 10, 12, 9, 11, 100, "finnhub")
	require.NoError(t, err)
	require.Equal(t, at, b.Bucket)

	cases := []struct {
		name          string
		o, h, l, c, v float64
	}{
		{"low above open", 10, 12, 11, 11, 100},
		{"close above high", 10, 12, 9, 13, 100},
		{"open above high", 13, 12, 9, 11, 100},
		{"negative volume", 10, 12, 9, 11, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBar("AAPL", at, Res1h, tc.o, tc.h, tc.l, tc.c, tc.v, "finnhub")
			require.Error(t, err)
		})
	}
}

func TestValidateRejectsEmptySymbol(t *testing.T) {
	b := &Bar{Bucket: time.Now(), Resolution: Res1m, Open: 1, High: 1, Low: 1, Close: 1}
	require.Error(t, b.Validate())
}

func TestNewBarConvertsBucketToUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, loc)

	b, err := NewBar("AAPL", at, Res1h, 10, 12, 9, 11, 100, "finnhub")
	require.NoError(t, err)
	require.Equal(t, time.UTC, b.Bucket.Location())
	require.True(t, b.Bucket.Equal(at))
}

func TestTruncateToBucket(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 42, 17, 500, time.UTC)

	require.Equal(t, time.Date(2025, 3, 1, 10, 42, 17, 0, time.UTC), TruncateToBucket(at, Res1s))
	require.Equal(t, time.Date(2025, 3, 1, 10, 42, 0, 0, time.UTC), TruncateToBucket(at, Res1m))
	require.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), TruncateToBucket(at, Res1h))
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), TruncateToBucket(at, Res1d))
	// ticks are not bucketed
	require.Equal(t, at, TruncateToBucket(at, ResTick))
}

func TestResolutionDuration(t *testing.T) {
	require.Equal(t, time.Second, Res1s.Duration())
	require.Equal(t, time.Minute, Res1m.Duration())
	require.Equal(t, time.Hour, Res1h.Duration())
	require.Equal(t, 24*time.Hour, Res1d.Duration())
	require.Equal(t, time.Duration(0), ResTick.Duration())
}

func TestNormalizeResolution(t *testing.T) {
	require.Equal(t, Res1m, NormalizeResolution("1m"))
	require.Equal(t, DefaultResolution(), NormalizeResolution(""))
	require.Equal(t, DefaultResolution(), NormalizeResolution("5m"))
}
