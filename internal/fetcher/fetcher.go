package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// TVLFetcher retrieves the current total value locked for a protocol slug.
type TVLFetcher interface {
	FetchTVL(ctx context.Context, slug string) (decimal.Decimal, error)
}

// MarketRates holds on-chain lending market metrics. Nil fields mean the
// value could not be observed for this sample.
type MarketRates struct {
	APY7d       *decimal.Decimal
	Utilization *decimal.Decimal
}

// RatesFetcher retrieves lending market rates for a market contract.
type RatesFetcher interface {
	FetchRates(ctx context.Context, marketAddress string) (MarketRates, error)
}
