package models

// Trade is a single tick from a live market stream.
type Trade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // unix seconds, UTC
	Source    string  `json:"source"`
}
