// Package align pairs two irregularly sampled price series by nearest timestamp.
package align

import (
	"sort"
	"time"

	"spreadwatcher/internal/market"
)

// DefaultTolerance is the widest time distance accepted between matched samples.
const DefaultTolerance = 30 * time.Minute

// Point is a reference sample joined with its nearest candidate.
type Point struct {
	Timestamp        time.Time
	DomesticPrice    float64
	ForeignPrice     float64
	ForeignTimestamp time.Time
	DomesticContract string
	ForeignContract  string
}

// Gap reports a reference sample that had no candidate within tolerance.
type Gap struct {
	Timestamp time.Time
	Nearest   time.Duration // distance to the nearest candidate, or -1 when there was none
}

// Result is the aligned output plus dropped reference samples.
type Result struct {
	Points []Point
	Gaps   []Gap
}

// Align matches every reference sample with the candidate closest in time.
// Ties resolve to the earlier candidate; samples without a candidate inside
// tolerance are dropped and reported as gaps.
func Align(reference, candidates []market.PriceSample, tolerance time.Duration) Result {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	refs := sortedCopy(reference)
	cands := sortedCopy(candidates)

	result := Result{Points: make([]Point, 0, len(refs))}
	for _, r := range refs {
		idx, dist, ok := nearest(cands, r.Timestamp)
		if !ok {
			result.Gaps = append(result.Gaps, Gap{Timestamp: r.Timestamp, Nearest: -1})
			continue
		}
		if dist > tolerance {
			result.Gaps = append(result.Gaps, Gap{Timestamp: r.Timestamp, Nearest: dist})
			continue
		}
		c := cands[idx]
		result.Points = append(result.Points, Point{
			Timestamp:        r.Timestamp,
			DomesticPrice:    r.Price,
			ForeignPrice:     c.Price,
			ForeignTimestamp: c.Timestamp,
			DomesticContract: r.ContractCode,
			ForeignContract:  c.ContractCode,
		})
	}
	return result
}

// nearest finds the candidate with minimum distance to ts in a sorted slice.
func nearest(cands []market.PriceSample, ts time.Time) (int, time.Duration, bool) {
	if len(cands) == 0 {
		return 0, 0, false
	}

	// first candidate at or after ts
	after := sort.Search(len(cands), func(i int) bool {
		return !cands[i].Timestamp.Before(ts)
	})

	best, bestDist := -1, time.Duration(0)
	if after > 0 {
		best, bestDist = after-1, ts.Sub(cands[after-1].Timestamp)
	}
	if after < len(cands) {
		d := cands[after].Timestamp.Sub(ts)
		if best < 0 || d < bestDist {
			best, bestDist = after, d
		}
	}
	return best, bestDist, true
}

func sortedCopy(in []market.PriceSample) []market.PriceSample {
	out := make([]market.PriceSample, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
