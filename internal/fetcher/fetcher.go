package fetcher

import (
	"context"
	"errors"

	"spreadwatcher/internal/market"
)

// ErrNoUsableBars marks an upstream series that returned bars none of which could be parsed.
var ErrNoUsableBars = errors.New("no usable bars")

// SeriesFetcher retrieves the recent price bars of one contract.
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, contract string) ([]market.PriceSample, error)
}

// RateFetcher retrieves the currency conversion rate (quote currency per foreign unit).
type RateFetcher interface {
	FetchRate(ctx context.Context) (float64, error)
}
