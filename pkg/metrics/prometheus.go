package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	fetches       *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	disagreements *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec
	lastPrice     *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec
	batchRows     *prometheus.CounterVec
}

// New creates a Prometheus metrics recorder registered on the default
// registry.
func New() *Recorder {
	return &Recorder{
		fetches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketagg_source_fetches_total",
				Help: "Upstream fetch attempts per source, kind and outcome",
			},
			[]string{"source", "kind", "outcome"},
		),
		cacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketagg_cache_lookups_total",
				Help: "Cache lookups per tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		disagreements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketagg_source_disagreements_total",
				Help: "Reconciliations where sources diverged beyond tolerance",
			},
			[]string{"symbol"},
		),
		circuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketagg_circuit_state",
				Help: "Circuit breaker state per source (0 closed, 1 open, 2 half-open)",
			},
			[]string{"source"},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketagg_last_price",
				Help: "Last reconciled price per symbol",
			},
			[]string{"symbol"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketagg_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketagg_errors_total",
				Help: "Errors by kind",
			},
			[]string{"type"},
		),
		batchRows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketagg_writer_flushed_rows_total",
				Help: "Rows flushed by the batching writer per backend",
			},
			[]string{"backend"},
		),
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func hitMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func (r *Recorder) RecordFetch(source, kind string, ok bool) {
	r.fetches.WithLabelValues(source, kind, outcome(ok)).Inc()
}

func (r *Recorder) RecordCacheLookup(tier string, hit bool) {
	r.cacheLookups.WithLabelValues(tier, hitMiss(hit)).Inc()
}

func (r *Recorder) RecordDisagreement(symbol string) {
	r.disagreements.WithLabelValues(symbol).Inc()
}

func (r *Recorder) RecordCircuitState(source string, state int) {
	r.circuitState.WithLabelValues(source).Set(float64(state))
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordBatchFlush(backend string, rows int) {
	r.batchRows.WithLabelValues(backend).Add(float64(rows))
}
