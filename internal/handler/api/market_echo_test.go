package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	icache "MarketAgg/internal/cache"
	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/failover"
	"MarketAgg/internal/source"
	"MarketAgg/internal/usecase"
	"MarketAgg/internal/writer"
	pkgcache "MarketAgg/pkg/cache"
	applogger "MarketAgg/pkg/logger"
)

type nopMetrics struct{}

func (nopMetrics) RecordFetch(string, string, bool) {}
func (nopMetrics) RecordCacheLookup(string, bool)   {}
func (nopMetrics) RecordDisagreement(string)        {}
func (nopMetrics) RecordCircuitState(string, int)   {}
func (nopMetrics) RecordLastPrice(string, float64)  {}
func (nopMetrics) RecordLatency(string, float64)    {}
func (nopMetrics) RecordError(string)               {}
func (nopMetrics) RecordBatchFlush(string, int)     {}

type nopStore struct{}

func (nopStore) Init(context.Context) error                          { return nil }
func (nopStore) StoreBars(context.Context, []*models.Bar) error      { return nil }
func (nopStore) Health(context.Context) error                        { return nil }
func (nopStore) Close() error                                        { return nil }
func (nopStore) RecordDownload(context.Context, string, time.Time, time.Time, models.Resolution, string) error {
	return nil
}
func (nopStore) QueryBars(context.Context, string, time.Time, time.Time, models.Resolution) ([]*models.Bar, error) {
	return nil, nil
}
func (nopStore) Covered(context.Context, string, time.Time, time.Time, models.Resolution) (bool, error) {
	return false, nil
}

func testHandler(t *testing.T, adapters map[*source.Fake]int) *MarketEchoHandler {
	t.Helper()
	log, err := applogger.New(&applogger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)

	reg := source.NewRegistry()
	for a, prio := range adapters {
		require.NoError(t, reg.Register(a, prio))
	}
	coord := failover.New(reg, failover.NewHealthTable(failover.BreakerConfig{}, time.Now), nopMetrics{}, log, failover.Config{})

	tiered := icache.NewTiered(pkgcache.NewLayeredCache(nil), icache.TTLPolicy{}, nopMetrics{}, log)
	t.Cleanup(func() { _ = tiered.Close() })

	w := writer.New(writer.Config{}, nopStore{}, nil, nopMetrics{}, log)
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	engine := usecase.NewEngine(tiered, coord, w, nopStore{}, nopMetrics{}, log)
	return NewMarketEchoHandler(log, engine, func() map[string]interface{} {
		return map[string]interface{}{"stream_connected": true}
	})
}

func doRequest(t *testing.T, h *MarketEchoHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestQuoteEndpoint(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{source.NewFake("alpha", 187.5): 0})

	rec := doRequest(t, h, "/api/quote?symbol=AAPL")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Quote struct {
				Price float64 `json:"price"`
			} `json:"quote"`
			WinningSource string `json:"winning_source"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 187.5, body.Data.Quote.Price)
	require.Equal(t, "alpha", body.Data.WinningSource)
}

func TestQuoteEndpointMissingSymbol(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{source.NewFake("alpha", 1): 0})

	rec := doRequest(t, h, "/api/quote")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuoteEndpointUnknownSymbol(t *testing.T) {
	alpha := source.NewFake("alpha", 1)
	alpha.Err = models.ErrInvalidSymbol
	h := testHandler(t, map[*source.Fake]int{alpha: 0})

	rec := doRequest(t, h, "/api/quote?symbol=NOPE")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "ERR_INVALID_SYMBOL")
}

func TestQuoteEndpointAllSourcesDown(t *testing.T) {
	alpha := source.NewFake("alpha", 1)
	alpha.Err = models.ErrUnavailable
	h := testHandler(t, map[*source.Fake]int{alpha: 0})

	rec := doRequest(t, h, "/api/quote?symbol=AAPL")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "ERR_SOURCES_DOWN")
}

func TestHistoryEndpoint(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{source.NewFake("alpha", 42): 0})

	rec := doRequest(t, h, "/api/history?symbol=AAPL&from=2025-03-03T00:00:00Z&to=2025-03-03T04:00:00Z&resolution=1h")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Rows  []json.RawMessage `json:"rows"`
			Total int64             `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(5), body.Data.Total)
	require.Len(t, body.Data.Rows, 5)
}

func TestHistoryEndpointBadResolution(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{source.NewFake("alpha", 1): 0})

	rec := doRequest(t, h, "/api/history?symbol=AAPL&from=2025-03-03T00:00:00Z&to=2025-03-04T00:00:00Z&resolution=5m")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpointBadTimestamp(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{source.NewFake("alpha", 1): 0})

	rec := doRequest(t, h, "/api/history?symbol=AAPL&from=notatime&to=2025-03-04T00:00:00Z")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourcesEndpoint(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{
		source.NewFake("alpha", 1): 0,
		source.NewFake("beta", 2):  1,
	})

	rec := doRequest(t, h, "/api/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "alpha")
	require.Contains(t, rec.Body.String(), "beta")
}

func TestHealthzEndpoint(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{source.NewFake("alpha", 1): 0})

	rec := doRequest(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stream_connected")
}

func TestLogsEndpoint(t *testing.T) {
	h := testHandler(t, map[*source.Fake]int{source.NewFake("alpha", 187.5): 0})
	h.logger.AddCollector(&applogger.CollectionConfig{TimeInterval: time.Hour, CountThreshold: 1000})
	t.Cleanup(h.logger.RemoveCollector)

	h.logger.Error("upstream exploded", applogger.String("source", "alpha"))
	h.logger.Error("upstream exploded", applogger.String("source", "alpha"))

	rec := doRequest(t, h, "/api/logs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Rows  []applogger.AggregatedLogEntry `json:"rows"`
			Total int                            `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Data.Total)
	require.Equal(t, "upstream exploded", body.Data.Rows[0].Message)
	require.Equal(t, 2, body.Data.Rows[0].Count)
}
