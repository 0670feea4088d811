// Package spread derives spread records from aligned prices and summarises them.
package spread

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"spreadwatcher/internal/align"
	"spreadwatcher/internal/market"
	"spreadwatcher/internal/pairs"
	"spreadwatcher/internal/units"
)

// ErrEmptySeries is returned when statistics are requested over zero records.
var ErrEmptySeries = errors.New("spread: empty series")

var hundred = decimal.NewFromInt(100)

// Stats aggregates spread percentages over a series.
type Stats struct {
	Count int             `json:"count"`
	Avg   decimal.Decimal `json:"avg_spread_pct"`
	Max   decimal.Decimal `json:"max_spread_pct"`
	Min   decimal.Decimal `json:"min_spread_pct"`
}

// Compute converts the foreign leg and derives the spread for one aligned point.
func Compute(pair pairs.Pair, pt align.Point, fxRate, unitFactor float64) (market.SpreadRecord, error) {
	converted, err := units.Convert(pt.ForeignPrice, fxRate, unitFactor)
	if err != nil {
		return market.SpreadRecord{}, fmt.Errorf("pair %s at %s: %w", pair.ID, pt.Timestamp.Format("2006-01-02 15:04"), err)
	}
	if converted.IsZero() {
		return market.SpreadRecord{}, fmt.Errorf("pair %s at %s: %w", pair.ID, pt.Timestamp.Format("2006-01-02 15:04"),
			&units.InputError{Field: "foreign_price_converted", Reason: "is zero"})
	}

	domestic := decimal.NewFromFloat(pt.DomesticPrice)
	abs, pct := Derive(domestic, converted)

	return market.SpreadRecord{
		PairID:                pair.ID,
		DomesticCode:          pair.DomesticCode,
		ForeignCode:           pair.ForeignCode,
		Timestamp:             pt.Timestamp,
		DomesticPrice:         domestic,
		ForeignPriceNative:    decimal.NewFromFloat(pt.ForeignPrice),
		ForeignPriceConverted: converted,
		SpreadAbsolute:        abs,
		SpreadPercent:         pct,
	}, nil
}

// Derive returns the absolute and percentage spread of domestic over converted.
// The caller guarantees converted is non-zero.
func Derive(domestic, converted decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	abs := domestic.Sub(converted)
	return abs, abs.Mul(hundred).Div(converted)
}

// ComputeSeries maps every aligned point of a pair to a spread record.
func ComputeSeries(pair pairs.Pair, points []align.Point, fxRate, unitFactor float64) ([]market.SpreadRecord, error) {
	records := make([]market.SpreadRecord, 0, len(points))
	for _, pt := range points {
		rec, err := Compute(pair, pt, fxRate, unitFactor)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Summarize computes avg/max/min of SpreadPercent.
func Summarize(records []market.SpreadRecord) (Stats, error) {
	if len(records) == 0 {
		return Stats{}, ErrEmptySeries
	}

	sum := decimal.Zero
	maxPct := records[0].SpreadPercent
	minPct := records[0].SpreadPercent
	for _, rec := range records {
		sum = sum.Add(rec.SpreadPercent)
		if rec.SpreadPercent.GreaterThan(maxPct) {
			maxPct = rec.SpreadPercent
		}
		if rec.SpreadPercent.LessThan(minPct) {
			minPct = rec.SpreadPercent
		}
	}

	return Stats{
		Count: len(records),
		Avg:   sum.Div(decimal.NewFromInt(int64(len(records)))),
		Max:   maxPct,
		Min:   minPct,
	}, nil
}
