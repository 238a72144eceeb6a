package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowExhaustsBudget(t *testing.T) {
	now := time.Now()
	l := NewWithClock(func() time.Time { return now })

	require.True(t, l.Allow("finnhub", 2, 0))
	require.True(t, l.Allow("finnhub", 2, 0))
	// no refill; the third call must fail fast instead of queueing
	require.False(t, l.Allow("finnhub", 2, 0))
}

func TestAllowRefillsOverTime(t *testing.T) {
	now := time.Now()
	l := NewWithClock(func() time.Time { return now })

	require.True(t, l.Allow("src", 1, 1))
	require.False(t, l.Allow("src", 1, 1))

	now = now.Add(time.Second)
	require.True(t, l.Allow("src", 1, 1))
}

func TestAllowRefillCapsAtCapacity(t *testing.T) {
	now := time.Now()
	l := NewWithClock(func() time.Time { return now })

	require.True(t, l.Allow("src", 2, 1))
	require.True(t, l.Allow("src", 2, 1))

	// a long idle period refills to capacity, not beyond
	now = now.Add(time.Hour)
	require.True(t, l.Allow("src", 2, 1))
	require.True(t, l.Allow("src", 2, 1))
	require.False(t, l.Allow("src", 2, 0))
}

func TestAllowFractionalRefill(t *testing.T) {
	now := time.Now()
	l := NewWithClock(func() time.Time { return now })

	// 0.5 tokens per second: half a token after one second is not enough
	require.True(t, l.Allow("src", 1, 0.5))
	now = now.Add(time.Second)
	require.False(t, l.Allow("src", 1, 0.5))
	now = now.Add(time.Second)
	require.True(t, l.Allow("src", 1, 0.5))
}

func TestAllowKeysAreIndependent(t *testing.T) {
	now := time.Now()
	l := NewWithClock(func() time.Time { return now })

	require.True(t, l.Allow("finnhub", 1, 0))
	require.False(t, l.Allow("finnhub", 1, 0))
	require.True(t, l.Allow("alphavantage", 1, 0))
}
