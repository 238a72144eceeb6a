package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/service/ratelimit"
	xhttp "MarketAgg/pkg/http"
)

const alphaVantageName = "alphavantage"

// AlphaVantage adapts the Alpha Vantage REST API (GLOBAL_QUOTE and the
// TIME_SERIES_* functions). All numeric fields arrive as strings.
type AlphaVantage struct {
	baseURL string
	apiKey  string
	client  *xhttp.Client
	limiter *ratelimit.Limiter
	rps     float64
	burst   float64
}

type AlphaVantageOption func(*AlphaVantage)

func WithAlphaVantageHTTPClient(c *xhttp.Client) AlphaVantageOption {
	return func(a *AlphaVantage) { a.client = c }
}

func WithAlphaVantageBudget(rps, burst float64) AlphaVantageOption {
	return func(a *AlphaVantage) { a.rps = rps; a.burst = burst }
}

func NewAlphaVantage(baseURL, apiKey string, opts ...AlphaVantageOption) *AlphaVantage {
	a := &AlphaVantage{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  xhttp.NewClient(xhttp.WithTimeout(10 * time.Second)),
		limiter: ratelimit.New(),
		rps:     25.0 / 86400, // free tier: 25 calls/day
		burst:   25,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AlphaVantage) Name() string { return alphaVantageName }

func (a *AlphaVantage) Capabilities() Capabilities {
	return Capabilities{Quotes: true, History: true, Crypto: false, MaxBatch: 1}
}

type avEnvelope struct {
	GlobalQuote  map[string]string            `json:"Global Quote"`
	SeriesDaily  map[string]map[string]string `json:"Time Series (Daily)"`
	Series60min  map[string]map[string]string `json:"Time Series (60min)"`
	Series1min   map[string]map[string]string `json:"Time Series (1min)"`
	Note         string                       `json:"Note"`
	ErrorMessage string                       `json:"Error Message"`
}

func (a *AlphaVantage) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if symbol == "" {
		return nil, models.ErrInvalidSymbol
	}
	if !a.limiter.Allow(alphaVantageName, a.burst, a.rps) {
		return nil, fmt.Errorf("alphavantage: budget exhausted: %w", models.ErrRateLimited)
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)

	var body avEnvelope
	if err := a.getJSON(ctx, q, &body); err != nil {
		return nil, err
	}
	if err := body.check(); err != nil {
		return nil, err
	}
	gq := body.GlobalQuote
	if len(gq) == 0 || gq["05. price"] == "" {
		return nil, fmt.Errorf("alphavantage: no quote for %s: %w", symbol, models.ErrInvalidSymbol)
	}

	price := avFloat(gq["05. price"])
	quote := &models.Quote{
		Symbol:        symbol,
		Price:         price,
		Open:          avFloat(gq["02. open"]),
		High:          avFloat(gq["03. high"]),
		Low:           avFloat(gq["04. low"]),
		Volume:        avFloat(gq["06. volume"]),
		PreviousClose: avFloat(gq["08. previous close"]),
		Timestamp:     time.Now().UTC(), // latest trading day has no intraday time
		Source:        alphaVantageName,
	}
	if day, err := time.Parse("2006-01-02", gq["07. latest trading day"]); err == nil {
		quote.Timestamp = day.UTC()
	}
	return quote, nil
}

func (a *AlphaVantage) FetchHistory(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) ([]*models.Bar, error) {
	if symbol == "" {
		return nil, models.ErrInvalidSymbol
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)
	q.Set("outputsize", "full")
	var layout string
	switch res {
	case models.Res1m:
		q.Set("function", "TIME_SERIES_INTRADAY")
		q.Set("interval", "1min")
		layout = "2006-01-02 15:04:05"
	case models.Res1h:
		q.Set("function", "TIME_SERIES_INTRADAY")
		q.Set("interval", "60min")
		layout = "2006-01-02 15:04:05"
	case models.Res1d:
		q.Set("function", "TIME_SERIES_DAILY")
		layout = "2006-01-02"
	default:
		return nil, fmt.Errorf("alphavantage: unsupported resolution %s", res)
	}

	if !a.limiter.Allow(alphaVantageName, a.burst, a.rps) {
		return nil, fmt.Errorf("alphavantage: budget exhausted: %w", models.ErrRateLimited)
	}

	var body avEnvelope
	if err := a.getJSON(ctx, q, &body); err != nil {
		return nil, err
	}
	if err := body.check(); err != nil {
		return nil, err
	}

	series := body.SeriesDaily
	if series == nil {
		series = body.Series60min
	}
	if series == nil {
		series = body.Series1min
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("alphavantage: no series for %s: %w", symbol, models.ErrInvalidSymbol)
	}

	bars := make([]*models.Bar, 0, len(series))
	for stamp, row := range series {
		ts, err := time.Parse(layout, stamp)
		if err != nil {
			continue
		}
		ts = ts.UTC()
		if ts.Before(from) || ts.After(to) {
			continue
		}
		b, err := models.NewBar(symbol, ts, res,
			avFloat(row["1. open"]), avFloat(row["2. high"]),
			avFloat(row["3. low"]), avFloat(row["4. close"]),
			avFloat(row["5. volume"]), alphaVantageName)
		if err != nil {
			continue
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Bucket.Before(bars[j].Bucket) })
	return bars, nil
}

func (e *avEnvelope) check() error {
	if e.Note != "" {
		return fmt.Errorf("alphavantage: throttled: %w", models.ErrRateLimited)
	}
	if e.ErrorMessage != "" {
		return fmt.Errorf("alphavantage: %s: %w", e.ErrorMessage, models.ErrInvalidSymbol)
	}
	return nil
}

func (a *AlphaVantage) getJSON(ctx context.Context, query url.Values, dest interface{}) error {
	resp, err := a.client.SendRequest(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         a.baseURL + "/query",
		QueryParams: query,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("alphavantage: %v: %w", ctx.Err(), models.ErrTimeout)
		}
		return fmt.Errorf("alphavantage: do request: %v: %w", err, models.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("alphavantage: status 429: %w", models.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("alphavantage: status %d: %w", resp.StatusCode, models.ErrUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("alphavantage: decode response: %v: %w", err, models.ErrUnavailable)
	}
	return nil
}

func avFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
