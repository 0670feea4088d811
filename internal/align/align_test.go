package align

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadwatcher/internal/market"
)

var t0 = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

func sample(code string, offset time.Duration, price float64) market.PriceSample {
	return market.PriceSample{ContractCode: code, Timestamp: t0.Add(offset), Price: price}
}

func TestAlignPicksNearestInsideTolerance(t *testing.T) {
	ref := []market.PriceSample{sample("PT2610", 0, 650)}
	cands := []market.PriceSample{
		sample("PLV2026", -1801*time.Second, 2300),
		sample("PLV2026", 1799*time.Second, 2357.4),
	}

	res := Align(ref, cands, 1800*time.Second)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 2357.4, res.Points[0].ForeignPrice)
	assert.Equal(t, t0, res.Points[0].Timestamp)
	assert.Empty(t, res.Gaps)
}

func TestAlignDropsOutsideTolerance(t *testing.T) {
	ref := []market.PriceSample{sample("PT2610", 0, 650)}
	cands := []market.PriceSample{sample("PLV2026", -1801*time.Second, 2300)}

	res := Align(ref, cands, 1800*time.Second)
	assert.Empty(t, res.Points)
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, 1801*time.Second, res.Gaps[0].Nearest)
}

func TestAlignPrefersNearestOverFirstInWindow(t *testing.T) {
	ref := []market.PriceSample{sample("PT2610", 0, 650)}
	cands := []market.PriceSample{
		sample("PLV2026", -25*time.Minute, 1),
		sample("PLV2026", -2*time.Minute, 2),
		sample("PLV2026", 20*time.Minute, 3),
	}

	res := Align(ref, cands, DefaultTolerance)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 2.0, res.Points[0].ForeignPrice)
}

func TestAlignTieBreaksToEarlier(t *testing.T) {
	ref := []market.PriceSample{sample("PT2610", 0, 650)}
	cands := []market.PriceSample{
		sample("PLV2026", 10*time.Minute, 3),
		sample("PLV2026", -10*time.Minute, 1),
	}

	res := Align(ref, cands, DefaultTolerance)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 1.0, res.Points[0].ForeignPrice)
	assert.Equal(t, t0.Add(-10*time.Minute), res.Points[0].ForeignTimestamp)
}

func TestAlignEmptyCandidates(t *testing.T) {
	ref := []market.PriceSample{sample("PT2610", 0, 650), sample("PT2610", time.Hour, 651)}

	res := Align(ref, nil, DefaultTolerance)
	assert.Empty(t, res.Points)
	require.Len(t, res.Gaps, 2)
	assert.Equal(t, time.Duration(-1), res.Gaps[0].Nearest)
}

func TestAlignOrdersOutputAndIsDeterministic(t *testing.T) {
	ref := []market.PriceSample{
		sample("PT2610", 2*time.Hour, 3),
		sample("PT2610", 0, 1),
		sample("PT2610", time.Hour, 2),
	}
	cands := []market.PriceSample{
		sample("PLV2026", 2*time.Hour+time.Minute, 30),
		sample("PLV2026", time.Minute, 10),
		sample("PLV2026", time.Hour-time.Minute, 20),
	}

	first := Align(ref, cands, DefaultTolerance)
	second := Align(ref, cands, DefaultTolerance)
	assert.Equal(t, first, second)

	require.Len(t, first.Points, 3)
	for i, want := range []float64{10, 20, 30} {
		assert.Equal(t, want, first.Points[i].ForeignPrice)
	}
	assert.True(t, first.Points[0].Timestamp.Before(first.Points[1].Timestamp))
}

func TestAlignSparseForeignSeries(t *testing.T) {
	var ref []market.PriceSample
	for i := 0; i < 120; i++ {
		ref = append(ref, sample("PT2610", time.Duration(i)*time.Minute, 650))
	}
	cands := []market.PriceSample{
		sample("PLV2026", 0, 1),
		sample("PLV2026", time.Hour, 2),
	}

	res := Align(ref, cands, DefaultTolerance)
	require.Len(t, res.Points, 91) // minutes 0..90
	assert.Len(t, res.Gaps, 29)
	assert.Equal(t, 1.0, res.Points[30].ForeignPrice)
	assert.Equal(t, 2.0, res.Points[31].ForeignPrice)
}
