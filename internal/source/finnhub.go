package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/service/ratelimit"
	xhttp "MarketAgg/pkg/http"
)

const finnhubName = "finnhub"

// Finnhub adapts the Finnhub REST API (/quote and /stock/candle).
type Finnhub struct {
	baseURL string
	apiKey  string
	client  *xhttp.Client
	limiter *ratelimit.Limiter
	rps     float64 // provider budget, requests per second
	burst   float64
}

// FinnhubOption configures the Finnhub adapter.
type FinnhubOption func(*Finnhub)

// WithFinnhubHTTPClient overrides the HTTP client (tests use httptest).
func WithFinnhubHTTPClient(c *xhttp.Client) FinnhubOption {
	return func(f *Finnhub) { f.client = c }
}

// WithFinnhubBudget sets the provider request budget.
func WithFinnhubBudget(rps, burst float64) FinnhubOption {
	return func(f *Finnhub) { f.rps = rps; f.burst = burst }
}

func NewFinnhub(baseURL, apiKey string, opts ...FinnhubOption) *Finnhub {
	f := &Finnhub{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  xhttp.NewClient(xhttp.WithTimeout(10 * time.Second)),
		limiter: ratelimit.New(),
		rps:     0.5, // free tier: 30 calls/min
		burst:   30,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Finnhub) Name() string { return finnhubName }

func (f *Finnhub) Capabilities() Capabilities {
	return Capabilities{Quotes: true, History: true, Crypto: true, MaxBatch: 1}
}

type fhQuote struct {
	Current   float64 `json:"c"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Open      float64 `json:"o"`
	PrevClose float64 `json:"pc"`
	Time      int64   `json:"t"`
}

func (f *Finnhub) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if symbol == "" {
		return nil, models.ErrInvalidSymbol
	}
	if !f.limiter.Allow(finnhubName, f.burst, f.rps) {
		return nil, fmt.Errorf("finnhub: budget exhausted: %w", models.ErrRateLimited)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", f.apiKey)
	var body fhQuote
	if err := f.getJSON(ctx, "/api/v1/quote", q, &body); err != nil {
		return nil, err
	}

	// Finnhub answers unknown symbols with an all-zero quote.
	if body.Current == 0 && body.Time == 0 {
		return nil, fmt.Errorf("finnhub: no data for %s: %w", symbol, models.ErrInvalidSymbol)
	}

	ts := time.Unix(body.Time, 0).UTC()
	return &models.Quote{
		Symbol:        symbol,
		Price:         body.Current,
		Open:          body.Open,
		High:          body.High,
		Low:           body.Low,
		PreviousClose: body.PrevClose,
		Timestamp:     ts,
		Source:        finnhubName,
	}, nil
}

type fhCandles struct {
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
	Volume []float64 `json:"v"`
	Time   []int64   `json:"t"`
	Status string    `json:"s"`
}

func finnhubResolution(res models.Resolution) (string, error) {
	switch res {
	case models.Res1m:
		return "1", nil
	case models.Res1h:
		return "60", nil
	case models.Res1d:
		return "D", nil
	default:
		return "", fmt.Errorf("finnhub: unsupported resolution %s", res)
	}
}

func (f *Finnhub) FetchHistory(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) ([]*models.Bar, error) {
	if symbol == "" {
		return nil, models.ErrInvalidSymbol
	}
	fhRes, err := finnhubResolution(res)
	if err != nil {
		return nil, err
	}
	if !f.limiter.Allow(finnhubName, f.burst, f.rps) {
		return nil, fmt.Errorf("finnhub: budget exhausted: %w", models.ErrRateLimited)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("resolution", fhRes)
	q.Set("from", fmt.Sprintf("%d", from.Unix()))
	q.Set("to", fmt.Sprintf("%d", to.Unix()))
	q.Set("token", f.apiKey)

	var body fhCandles
	if err := f.getJSON(ctx, "/api/v1/stock/candle", q, &body); err != nil {
		return nil, err
	}
	if body.Status == "no_data" {
		return nil, nil
	}
	if body.Status != "ok" {
		return nil, fmt.Errorf("finnhub: candle status %q: %w", body.Status, models.ErrUnavailable)
	}
	n := len(body.Time)
	if len(body.Open) != n || len(body.High) != n || len(body.Low) != n ||
		len(body.Close) != n || len(body.Volume) != n {
		return nil, fmt.Errorf("finnhub: ragged candle arrays: %w", models.ErrUnavailable)
	}

	bars := make([]*models.Bar, 0, n)
	for i := range body.Time {
		b, err := models.NewBar(symbol, time.Unix(body.Time[i], 0), res,
			body.Open[i], body.High[i], body.Low[i], body.Close[i], body.Volume[i], finnhubName)
		if err != nil {
			// skip malformed rows, keep the rest
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func (f *Finnhub) getJSON(ctx context.Context, path string, query url.Values, dest interface{}) error {
	resp, err := f.client.SendRequest(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         f.baseURL + path,
		QueryParams: query,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("finnhub: %v: %w", ctx.Err(), models.ErrTimeout)
		}
		return fmt.Errorf("finnhub: do request: %v: %w", err, models.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("finnhub: status 429: %w", models.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("finnhub: status %d: %w", resp.StatusCode, models.ErrUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("finnhub: decode response: %v: %w", err, models.ErrUnavailable)
	}
	return nil
}
