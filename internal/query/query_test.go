package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadwatcher/internal/market"
	"spreadwatcher/internal/pairs"
	"spreadwatcher/internal/storage"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func rec(pairID string, offset time.Duration, pct string) market.SpreadRecord {
	return market.SpreadRecord{
		PairID:                pairID,
		DomesticCode:          "PT2610",
		ForeignCode:           "PLV2026",
		Timestamp:             t0.Add(offset),
		DomesticPrice:         decimal.RequireFromString("657.65"),
		ForeignPriceNative:    decimal.RequireFromString("2357.4"),
		ForeignPriceConverted: decimal.RequireFromString("533.58"),
		SpreadAbsolute:        decimal.RequireFromString("124.07"),
		SpreadPercent:         decimal.RequireFromString(pct),
	}
}

func fixture(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.UpsertSpreads(ctx, "platinum", []market.SpreadRecord{
		rec("2610-2610", 0, "20"),
		rec("2610-2610", 10*time.Minute, "22"),
		rec("2610-2610", 20*time.Minute, "24"),
	})
	require.NoError(t, err)

	reg := pairs.NewRegistry()
	_, err = reg.Register("platinum",
		[]pairs.Contract{{Code: "PT2606"}, {Code: "PT2610"}},
		[]pairs.Contract{{Code: "PLV2026", Short: "2610"}}, pairs.DefaultSuffixLen)
	require.NoError(t, err)
	return New(store, reg)
}

func TestSnapshotStatsAndCurrent(t *testing.T) {
	svc := fixture(t)

	snap, err := svc.Snapshot(context.Background(), "platinum", "2610-2610", storage.Window{})
	require.NoError(t, err)

	assert.False(t, snap.NoData)
	require.NotNil(t, snap.Current)
	assert.True(t, snap.Current.SpreadPercent.Equal(decimal.NewFromInt(24)))
	require.NotNil(t, snap.Stats)
	assert.Equal(t, 3, snap.Stats.Count)
	assert.True(t, snap.Stats.Avg.Equal(decimal.NewFromInt(22)))
	assert.True(t, snap.Stats.Max.Equal(decimal.NewFromInt(24)))
	assert.True(t, snap.Stats.Min.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "PT2610", snap.DomesticContract)
	assert.Equal(t, "PLV2026", snap.ForeignContract)
	assert.Len(t, snap.History, 3)
}

func TestSnapshotRespectsWindow(t *testing.T) {
	svc := fixture(t)
	from := t0.Add(5 * time.Minute)

	snap, err := svc.Snapshot(context.Background(), "platinum", "2610-2610", storage.Window{From: &from, Limit: 1})
	require.NoError(t, err)
	require.Len(t, snap.History, 1)
	assert.Equal(t, t0.Add(20*time.Minute), snap.History[0].Timestamp)
	assert.Equal(t, 1, snap.Stats.Count)
}

func TestSnapshotCurrentIgnoresWindowBounds(t *testing.T) {
	svc := fixture(t)
	to := t0.Add(15 * time.Minute)

	snap, err := svc.Snapshot(context.Background(), "platinum", "2610-2610", storage.Window{To: &to})
	require.NoError(t, err)
	require.NotNil(t, snap.Current)
	assert.Equal(t, t0.Add(20*time.Minute), snap.Current.Timestamp)
	assert.True(t, snap.Current.SpreadPercent.Equal(decimal.NewFromInt(24)))

	require.Len(t, snap.History, 2)
	assert.Equal(t, 2, snap.Stats.Count)
	assert.True(t, snap.Stats.Max.Equal(decimal.NewFromInt(22)))
}

func TestSnapshotEmptyWindowKeepsCurrent(t *testing.T) {
	svc := fixture(t)
	from := t0.Add(time.Hour)

	snap, err := svc.Snapshot(context.Background(), "platinum", "2610-2610", storage.Window{From: &from})
	require.NoError(t, err)
	assert.False(t, snap.NoData)
	require.NotNil(t, snap.Current)
	assert.Equal(t, t0.Add(20*time.Minute), snap.Current.Timestamp)
	assert.Nil(t, snap.Stats)
	assert.Empty(t, snap.History)
}

func TestSnapshotNoData(t *testing.T) {
	svc := fixture(t)

	snap, err := svc.Snapshot(context.Background(), "platinum", "2606-2610", storage.Window{})
	require.NoError(t, err)
	assert.True(t, snap.NoData)
	assert.Nil(t, snap.Current)
	assert.Nil(t, snap.Stats)
	assert.Equal(t, "PT2606", snap.DomesticContract)

	snap, err = svc.Snapshot(context.Background(), "platinum", "nope-nope", storage.Window{})
	require.NoError(t, err)
	assert.True(t, snap.NoData)
}

func TestAllPairsIncludesRegisteredPairsWithoutData(t *testing.T) {
	svc := fixture(t)

	all, err := svc.AllPairs(context.Background(), "platinum")
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.False(t, all["2610-2610"].NoData)
	assert.True(t, all["2610-2610"].Current.SpreadPercent.Equal(decimal.NewFromInt(24)))
	assert.Nil(t, all["2610-2610"].History)
	assert.True(t, all["2606-2610"].NoData)
}

func TestSnapshotJSONShape(t *testing.T) {
	svc := fixture(t)
	snap, err := svc.Snapshot(context.Background(), "platinum", "2606-2610", storage.Window{})
	require.NoError(t, err)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, true, decoded["no_data"])
	assert.Nil(t, decoded["current"])
	assert.Equal(t, "2606-2610", decoded["pair_id"])
}
