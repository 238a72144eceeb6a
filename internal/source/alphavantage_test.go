package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"MarketAgg/internal/domain/models"
	xhttp "MarketAgg/pkg/http"
)

func alphaVantageServer(t *testing.T, handler http.HandlerFunc) *AlphaVantage {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAlphaVantage(srv.URL, "test-key",
		WithAlphaVantageHTTPClient(xhttp.NewClient(xhttp.WithTimeout(2*time.Second))),
		WithAlphaVantageBudget(1000, 1000))
}

func TestAlphaVantageFetchQuote(t *testing.T) {
	a := alphaVantageServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query", r.URL.Path)
		require.Equal(t, "GLOBAL_QUOTE", r.URL.Query().Get("function"))
		require.Equal(t, "IBM", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"Global Quote": {
			"01. symbol": "IBM",
			"02. open": "186.00",
			"03. high": "190.10",
			"04. low": "185.20",
			"05. price": "187.50",
			"06. volume": "3200000",
			"07. latest trading day": "2025-03-03",
			"08. previous close": "184.90"
		}}`)
	})

	q, err := a.FetchQuote(context.Background(), "IBM")
	require.NoError(t, err)
	require.Equal(t, 187.5, q.Price)
	require.Equal(t, 186.0, q.Open)
	require.Equal(t, 3200000.0, q.Volume)
	require.Equal(t, 184.9, q.PreviousClose)
	require.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), q.Timestamp)
	require.Equal(t, "alphavantage", q.Source)
}

func TestAlphaVantageThrottleNote(t *testing.T) {
	// Alpha Vantage signals throttling with HTTP 200 plus a Note field
	a := alphaVantageServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"Note": "Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."}`)
	})

	_, err := a.FetchQuote(context.Background(), "IBM")
	require.ErrorIs(t, err, models.ErrRateLimited)
}

func TestAlphaVantageErrorMessage(t *testing.T) {
	a := alphaVantageServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"Error Message": "Invalid API call."}`)
	})

	_, err := a.FetchQuote(context.Background(), "NOPE")
	require.ErrorIs(t, err, models.ErrInvalidSymbol)
}

func TestAlphaVantageEmptyQuote(t *testing.T) {
	a := alphaVantageServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"Global Quote": {}}`)
	})

	_, err := a.FetchQuote(context.Background(), "NOPE")
	require.ErrorIs(t, err, models.ErrInvalidSymbol)
}

func TestAlphaVantageFetchHistoryDaily(t *testing.T) {
	a := alphaVantageServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "TIME_SERIES_DAILY", r.URL.Query().Get("function"))
		fmt.Fprint(w, `{"Time Series (Daily)": {
			"2025-03-04": {"1. open": "11", "2. high": "13", "3. low": "10", "4. close": "12", "5. volume": "50"},
			"2025-03-03": {"1. open": "10", "2. high": "12", "3. low": "9", "4. close": "11", "5. volume": "100"},
			"2025-01-01": {"1. open": "5", "2. high": "6", "3. low": "4", "4. close": "5", "5. volume": "10"}
		}}`)
	})

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	bars, err := a.FetchHistory(context.Background(), "IBM", from, to, models.Res1d)
	require.NoError(t, err)
	// the January row falls outside the requested range
	require.Len(t, bars, 2)
	require.True(t, bars[0].Bucket.Before(bars[1].Bucket))
	require.Equal(t, 10.0, bars[0].Open)
	require.Equal(t, 12.0, bars[1].Close)
	require.Equal(t, "alphavantage", bars[0].Source)
}

func TestAlphaVantageFetchHistoryIntraday(t *testing.T) {
	a := alphaVantageServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "TIME_SERIES_INTRADAY", r.URL.Query().Get("function"))
		require.Equal(t, "60min", r.URL.Query().Get("interval"))
		fmt.Fprint(w, `{"Time Series (60min)": {
			"2025-03-03 15:00:00": {"1. open": "10", "2. high": "12", "3. low": "9", "4. close": "11", "5. volume": "100"}
		}}`)
	})

	from := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	bars, err := a.FetchHistory(context.Background(), "IBM", from, to, models.Res1h)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Equal(t, time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC), bars[0].Bucket)
}
