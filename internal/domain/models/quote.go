package models

import "time"

// Quote is a normalized real-time quote from a single source.
// Immutable once constructed; adapters attach provenance before handing
// it to the coordinator.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Volume        float64   `json:"volume"`
	PreviousClose float64   `json:"previous_close"`
	Timestamp     time.Time `json:"timestamp"` // UTC
	Source        string    `json:"source"`
}

// Age returns the staleness of the quote relative to now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Confidence grades how much sources agreed on a reconciled value.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // quorum of agreeing sources
	ConfidenceMedium Confidence = "medium" // single response before deadline
	ConfidenceLow    Confidence = "low"    // sources disagreed beyond tolerance
)

// ReconciledRecord is the coordinator's output: one answer assembled from
// the sources it consulted. Per-source records never leak past it.
type ReconciledRecord struct {
	Quote      *Quote     `json:"quote,omitempty"`
	Bars       []*Bar     `json:"bars,omitempty"`
	Sources    []string   `json:"sources"` // every source consulted
	WinningSrc string     `json:"winning_source"`
	Confidence Confidence `json:"confidence"`
	Agreement  float64    `json:"agreement"` // relative spread between responses, 0 = exact
	FetchedAt  time.Time  `json:"fetched_at"`
}

// Timestamp returns the record's effective data timestamp for
// cache monotonicity checks.
func (r *ReconciledRecord) Timestamp() time.Time {
	if r.Quote != nil {
		return r.Quote.Timestamp
	}
	if n := len(r.Bars); n > 0 {
		return r.Bars[n-1].Bucket
	}
	return r.FetchedAt
}
