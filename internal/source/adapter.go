package source

import (
	"context"
	"time"

	"MarketAgg/internal/domain/models"
)

// Capabilities declares what a provider can serve so the coordinator can
// skip adapters incapable of a request instead of querying and failing.
type Capabilities struct {
	Quotes   bool
	History  bool
	Crypto   bool
	MaxBatch int // max symbols per batched request, 1 if unsupported
}

// Adapter is the uniform surface over one external data provider.
//
// Adapters are stateless with respect to health; circuit breaking and
// retry policy live in the failover coordinator. Each adapter enforces its
// own provider-imposed request budget and returns models.ErrRateLimited
// rather than queuing internally.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	FetchQuote(ctx context.Context, symbol string) (*models.Quote, error)
	FetchHistory(ctx context.Context, symbol string, from, to time.Time, res models.Resolution) ([]*models.Bar, error)
}
