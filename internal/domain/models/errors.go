package models

import "errors"

// Error taxonomy for the aggregation engine.
//
// Adapter-local errors (ErrRateLimited, ErrTimeout, ErrUnavailable) are
// retried against a different adapter and never reach callers directly.
// ErrInvalidSymbol and ErrAllSourcesUnavailable are the only classes the
// caller ever sees.
var (
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrRateLimited           = errors.New("source rate limited")
	ErrTimeout               = errors.New("source timeout")
	ErrUnavailable           = errors.New("source unavailable")
	ErrAllSourcesUnavailable = errors.New("all sources unavailable")
	ErrStorageWriteFailed    = errors.New("storage write failed")
)

// IsSourceFault reports whether err is an adapter-local fault worth
// rotating to another adapter.
func IsSourceFault(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// IsTerminal reports whether err ends the request immediately.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidSymbol) || errors.Is(err, ErrAllSourcesUnavailable)
}
