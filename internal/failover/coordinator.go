package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"MarketAgg/internal/domain/models"
	"MarketAgg/internal/domain/repository"
	"MarketAgg/internal/source"
	applogger "MarketAgg/pkg/logger"
)

// Config tunes the coordinator. Tolerance and quorum defaults are
// engineering choices, not confirmed product requirements; keep them in
// configuration.
type Config struct {
	TopK           int           // adapters queried in parallel per wave
	PerCallTimeout time.Duration // per-adapter call timeout
	Tolerance      float64       // relative price agreement tolerance
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 2
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = 3 * time.Second
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 0.001
	}
	return c
}

// Coordinator fans requests out across eligible source adapters and
// reduces their answers to exactly one ReconciledRecord or a terminal
// failure. It is the sole owner of the health table.
type Coordinator struct {
	registry *source.Registry
	health   *HealthTable
	metrics  repository.Metrics
	events   repository.EventSink
	log      *applogger.Logger
	cfg      Config
	now      func() time.Time
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithEventSink wires the observability event queue.
func WithEventSink(sink repository.EventSink) Option {
	return func(c *Coordinator) { c.events = sink }
}

// WithClock injects a clock, used by circuit-breaker tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(reg *source.Registry, health *HealthTable, metrics repository.Metrics, log *applogger.Logger, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: reg,
		health:   health,
		metrics:  metrics,
		log:      log,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health exposes the health snapshot for the status endpoint. Every
// registered source appears, including ones that have not served a
// request yet.
func (c *Coordinator) Health() []SourceStatus {
	for _, reg := range c.registry.All() {
		c.health.Ensure(reg.Adapter.Name())
	}
	return c.health.Snapshot()
}

type candidate struct {
	adapter  source.Adapter
	priority int
	score    float64
}

// rank returns capable adapters ordered by static priority adjusted by
// the EWMA success rate, tie-broken by name so repeated runs rank
// identically.
func (c *Coordinator) rank(capable func(source.Capabilities) bool) []candidate {
	regs := c.registry.All()
	out := make([]candidate, 0, len(regs))
	for _, reg := range regs {
		if !capable(reg.Adapter.Capabilities()) {
			continue
		}
		rate := c.health.SuccessRate(reg.Adapter.Name())
		out = append(out, candidate{
			adapter:  reg.Adapter,
			priority: reg.Priority,
			score:    float64(reg.Priority) + (1-rate)*2,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].adapter.Name() < out[j].adapter.Name()
	})
	return out
}

type quoteResult struct {
	quote *models.Quote
	err   error
	name  string
	rank  int
}

// GetQuote queries the top-K eligible adapters concurrently, escalating
// tier by tier until one ReconciledRecord can be produced.
func (c *Coordinator) GetQuote(ctx context.Context, symbol string) (*models.ReconciledRecord, error) {
	candidates := c.rank(func(caps source.Capabilities) bool { return caps.Quotes })
	if len(candidates) == 0 {
		return nil, models.ErrAllSourcesUnavailable
	}

	consulted := make([]string, 0, len(candidates))
	next := 0
	for next < len(candidates) {
		// admit up to TopK adapters for this wave; circuit-open ones are
		// skipped, HALF_OPEN ones claim their single trial slot here
		wave := make([]candidate, 0, c.cfg.TopK)
		for next < len(candidates) && len(wave) < c.cfg.TopK {
			cand := candidates[next]
			next++
			if !c.health.Admit(cand.adapter.Name()) {
				continue
			}
			wave = append(wave, cand)
		}
		if len(wave) == 0 {
			break
		}
		for _, cand := range wave {
			consulted = append(consulted, cand.adapter.Name())
		}

		responses, err := c.fanOutQuotes(ctx, symbol, wave)
		if err != nil {
			return nil, err // terminal: invalid symbol or caller gone
		}
		if len(responses) > 0 {
			return c.reconcileQuotes(ctx, symbol, responses, consulted), nil
		}
		// whole wave failed; escalate to the next priority tier
	}

	c.metrics.RecordError("all_sources_unavailable")
	return nil, fmt.Errorf("quote %s: %w", symbol, models.ErrAllSourcesUnavailable)
}

// fanOutQuotes issues one call per wave member, each under its own
// timeout. It returns early once two responses agree within tolerance or
// the top-ranked (authoritative) adapter has answered; stragglers are
// cancelled and their outcomes are not recorded, since a failure after
// cancellation cannot be told apart from a genuine one. The health table
// sees them on their next admitted request.
func (c *Coordinator) fanOutQuotes(ctx context.Context, symbol string, wave []candidate) ([]quoteResult, error) {
	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan quoteResult, len(wave))
	for i, cand := range wave {
		go func(rank int, a source.Adapter) {
			callCtx, callCancel := context.WithTimeout(waveCtx, c.cfg.PerCallTimeout)
			defer callCancel()
			start := c.now()
			q, err := a.FetchQuote(callCtx, symbol)
			c.metrics.RecordLatency("fetch_quote", time.Since(start).Seconds())
			results <- quoteResult{quote: q, err: err, name: a.Name(), rank: rank}
		}(i, cand.adapter)
	}

	var responses []quoteResult
	received := 0
	for received < len(wave) {
		select {
		case <-ctx.Done():
			// caller deadline: reduce whatever already arrived
			return responses, nil
		case res := <-results:
			received++
			if res.err != nil {
				if errors.Is(res.err, models.ErrInvalidSymbol) {
					// caller error, not a source fault: do not punish the
					// adapter, stop the whole request
					c.metrics.RecordFetch(res.name, "quote", true)
					return nil, fmt.Errorf("quote %s: %w", symbol, models.ErrInvalidSymbol)
				}
				c.metrics.RecordFetch(res.name, "quote", false)
				state := c.health.RecordFailure(res.name)
				c.metrics.RecordCircuitState(res.name, int(state))
				c.log.Warn("source fetch failed",
					applogger.String("source", res.name),
					applogger.String("symbol", symbol),
					applogger.Error(res.err),
				)
				continue
			}
			c.metrics.RecordFetch(res.name, "quote", true)
			state := c.health.RecordSuccess(res.name)
			c.metrics.RecordCircuitState(res.name, int(state))
			responses = append(responses, res)

			if res.rank == 0 || c.hasAgreeingPair(responses) {
				// quorum: 1 authoritative or 2 agreeing; stop waiting
				return responses, nil
			}
		}
	}
	return responses, nil
}

func (c *Coordinator) hasAgreeingPair(responses []quoteResult) bool {
	for i := range responses {
		for j := i + 1; j < len(responses); j++ {
			if withinTolerance(responses[i].quote.Price, responses[j].quote.Price, c.cfg.Tolerance) {
				return true
			}
		}
	}
	return false
}

// reconcileQuotes reduces the received responses deterministically:
// responses are ordered by rank (priority), never by arrival time.
func (c *Coordinator) reconcileQuotes(ctx context.Context, symbol string, responses []quoteResult, consulted []string) *models.ReconciledRecord {
	sort.Slice(responses, func(i, j int) bool {
		if responses[i].rank != responses[j].rank {
			return responses[i].rank < responses[j].rank
		}
		return responses[i].name < responses[j].name
	})

	leader := responses[0]
	rec := &models.ReconciledRecord{
		Sources:    consulted,
		WinningSrc: leader.name,
		FetchedAt:  c.now().UTC(),
	}

	agreeing := []quoteResult{leader}
	for _, r := range responses[1:] {
		if withinTolerance(leader.quote.Price, r.quote.Price, c.cfg.Tolerance) {
			agreeing = append(agreeing, r)
		}
	}
	rec.Agreement = relativeSpread(responses)

	switch {
	case len(responses) == 1:
		rec.Confidence = models.ConfidenceMedium
		rec.Quote = leader.quote
	case len(agreeing) >= 2:
		rec.Confidence = models.ConfidenceHigh
		avg := 0.0
		for _, r := range agreeing {
			avg += r.quote.Price
		}
		avg /= float64(len(agreeing))
		q := *leader.quote
		q.Price = avg
		rec.Quote = &q
	default:
		// disagreement beyond tolerance: higher-priority source wins,
		// record the split for observability
		rec.Confidence = models.ConfidenceLow
		rec.Quote = leader.quote
		c.metrics.RecordDisagreement(symbol)
		c.log.Warn("sources disagree beyond tolerance",
			applogger.String("symbol", symbol),
			applogger.String("winner", leader.name),
			applogger.Float64("spread", rec.Agreement),
		)
		if c.events != nil {
			prices := make(map[string]float64, len(responses))
			for _, r := range responses {
				prices[r.name] = r.quote.Price
			}
			_ = c.events.PublishMessage(ctx, "source.disagreement", map[string]interface{}{
				"symbol": symbol,
				"winner": leader.name,
				"prices": prices,
			})
		}
	}

	c.metrics.RecordLastPrice(symbol, rec.Quote.Price)
	return rec
}

// GetHistory fails over sequentially in priority order: historical bars
// from one healthy source are authoritative, so there is no fan-out.
func (c *Coordinator) GetHistory(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) (*models.ReconciledRecord, error) {
	candidates := c.rank(func(caps source.Capabilities) bool { return caps.History })
	if len(candidates) == 0 {
		return nil, models.ErrAllSourcesUnavailable
	}

	consulted := make([]string, 0, len(candidates))
	for i, cand := range candidates {
		name := cand.adapter.Name()
		if !c.health.Admit(name) {
			continue
		}
		consulted = append(consulted, name)

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.PerCallTimeout)
		start := c.now()
		bars, err := cand.adapter.FetchHistory(callCtx, symbol, from, to, res)
		cancel()
		c.metrics.RecordLatency("fetch_history", time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, models.ErrInvalidSymbol) {
				c.metrics.RecordFetch(name, "history", true)
				return nil, fmt.Errorf("history %s: %w", symbol, models.ErrInvalidSymbol)
			}
			c.metrics.RecordFetch(name, "history", false)
			state := c.health.RecordFailure(name)
			c.metrics.RecordCircuitState(name, int(state))
			c.log.Warn("history fetch failed",
				applogger.String("source", name),
				applogger.String("symbol", symbol),
				applogger.Error(err),
			)
			continue
		}

		c.metrics.RecordFetch(name, "history", true)
		state := c.health.RecordSuccess(name)
		c.metrics.RecordCircuitState(name, int(state))

		conf := models.ConfidenceMedium
		if i == 0 {
			conf = models.ConfidenceHigh
		}
		return &models.ReconciledRecord{
			Bars:       bars,
			Sources:    consulted,
			WinningSrc: name,
			Confidence: conf,
			FetchedAt:  c.now().UTC(),
		}, nil
	}

	c.metrics.RecordError("all_sources_unavailable")
	return nil, fmt.Errorf("history %s: %w", symbol, models.ErrAllSourcesUnavailable)
}

// StartHealthProbe periodically fetches a probe symbol from every capable
// adapter so a recovered source closes its circuit even with no caller
// traffic. Runs until ctx is cancelled.
func (c *Coordinator) StartHealthProbe(ctx context.Context, interval time.Duration, probeSymbol string) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cand := range c.rank(func(caps source.Capabilities) bool { return caps.Quotes }) {
				name := cand.adapter.Name()
				if !c.health.Admit(name) {
					continue
				}
				callCtx, cancel := context.WithTimeout(ctx, c.cfg.PerCallTimeout)
				_, err := cand.adapter.FetchQuote(callCtx, probeSymbol)
				cancel()
				if err != nil && !errors.Is(err, models.ErrInvalidSymbol) {
					c.health.RecordFailure(name)
				} else {
					c.health.RecordSuccess(name)
				}
			}
		}
	}
}

func withinTolerance(a, b, tol float64) bool {
	if a == 0 {
		return b == 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff/a <= tol
}

func relativeSpread(responses []quoteResult) float64 {
	if len(responses) < 2 {
		return 0
	}
	min, max, sum := responses[0].quote.Price, responses[0].quote.Price, 0.0
	for _, r := range responses {
		p := r.quote.Price
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
		sum += p
	}
	avg := sum / float64(len(responses))
	if avg == 0 {
		return 0
	}
	return (max - min) / avg
}
