package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadwatcher/internal/market"
	"spreadwatcher/internal/storage"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func floatPtr(v float64) *float64 { return &v }

func spreadAt(pct string) market.SpreadRecord {
	return market.SpreadRecord{
		PairID:                "2610-2610",
		DomesticCode:          "PT2610",
		ForeignCode:           "PLV2026",
		Timestamp:             time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		DomesticPrice:         decimal.RequireFromString("657.65"),
		ForeignPriceNative:    decimal.RequireFromString("2357.4"),
		ForeignPriceConverted: decimal.RequireFromString("533.58"),
		SpreadAbsolute:        decimal.RequireFromString("124.07"),
		SpreadPercent:         decimal.RequireFromString(pct),
	}
}

func newTestMachine(t *testing.T, notifier Notifier, cooldowns storage.CooldownStore) (*Machine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	cfg := MachineConfig{
		Enabled:  true,
		Cooldown: 60 * time.Minute,
		Bands:    map[string]Band{"platinum": BandFromBounds(floatPtr(5), floatPtr(25))},
	}
	return NewMachine(cfg, cooldowns, notifier, testLogger(), WithClock(clock.Now)), clock
}

func TestMachineCooldownLaw(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	m, clock := newTestMachine(t, notifier, storage.NewMemoryCooldowns())

	out := m.Evaluate(ctx, "platinum", spreadAt("30"))
	require.True(t, out.Fired)
	assert.Equal(t, StateCooling, out.State)
	assert.Equal(t, AboveMax, out.Violation)

	clock.now = clock.now.Add(10 * time.Minute)
	out = m.Evaluate(ctx, "platinum", spreadAt("30"))
	assert.False(t, out.Fired)
	assert.True(t, out.Suppressed)
	assert.Equal(t, StateCooling, out.State)

	clock.now = clock.now.Add(51 * time.Minute)
	out = m.Evaluate(ctx, "platinum", spreadAt("30"))
	assert.True(t, out.Fired)

	require.Len(t, notifier.calls, 2)
	note := notifier.calls[0]
	assert.Equal(t, "platinum", note.Family)
	assert.True(t, note.Max.Equal(decimal.NewFromInt(25)))
	assert.True(t, note.Min.Equal(decimal.NewFromInt(5)))
}

func TestMachineCooldownBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	m, clock := newTestMachine(t, notifier, storage.NewMemoryCooldowns())

	require.True(t, m.Evaluate(ctx, "platinum", spreadAt("2")).Fired)

	clock.now = clock.now.Add(60 * time.Minute)
	assert.True(t, m.Evaluate(ctx, "platinum", spreadAt("2")).Suppressed)

	clock.now = clock.now.Add(time.Second)
	out := m.Evaluate(ctx, "platinum", spreadAt("2"))
	assert.True(t, out.Fired)
	assert.Equal(t, BelowMin, out.Violation)
}

func TestMachineFailedDeliveryRetriesNextCycle(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{err: &DeliveryError{Channel: "webhook", Err: errors.New("503")}}
	cooldowns := storage.NewMemoryCooldowns()
	m, clock := newTestMachine(t, notifier, cooldowns)

	out := m.Evaluate(ctx, "platinum", spreadAt("30"))
	assert.False(t, out.Fired)
	assert.Equal(t, StateBreached, out.State)
	assert.ErrorIs(t, out.Err, ErrDelivery)

	_, seen, err := cooldowns.GetLastAlert(ctx, Key("platinum", "2610-2610"))
	require.NoError(t, err)
	assert.False(t, seen, "failed delivery must not start a cooldown")

	notifier.err = nil
	clock.now = clock.now.Add(time.Minute)
	out = m.Evaluate(ctx, "platinum", spreadAt("30"))
	assert.True(t, out.Fired)
	assert.Len(t, notifier.calls, 2)
}

func TestMachineReturnsToIdleInsideBand(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, &recordingNotifier{}, storage.NewMemoryCooldowns())

	m.Evaluate(ctx, "platinum", spreadAt("30"))
	assert.Equal(t, StateCooling, m.StateOf("platinum", "2610-2610"))

	out := m.Evaluate(ctx, "platinum", spreadAt("12"))
	assert.Equal(t, StateIdle, out.State)
	assert.Equal(t, StateIdle, m.StateOf("platinum", "2610-2610"))
}

func TestMachineBoundsAreInclusive(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	m, _ := newTestMachine(t, notifier, storage.NewMemoryCooldowns())

	assert.Equal(t, StateIdle, m.Evaluate(ctx, "platinum", spreadAt("25")).State)
	assert.Equal(t, StateIdle, m.Evaluate(ctx, "platinum", spreadAt("5")).State)
	assert.Empty(t, notifier.calls)
}

func TestMachineNoOpWhenMisconfigured(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	cooldowns := storage.NewMemoryCooldowns()

	cases := map[string]MachineConfig{
		"disabled":   {Enabled: false, Bands: map[string]Band{"platinum": BandFromBounds(floatPtr(5), floatPtr(25))}},
		"no bands":   {Enabled: true},
		"min > max":  {Enabled: true, Bands: map[string]Band{"platinum": BandFromBounds(floatPtr(30), floatPtr(10))}},
		"empty band": {Enabled: true, Bands: map[string]Band{"platinum": {}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			m := NewMachine(cfg, cooldowns, notifier, testLogger())
			out := m.Evaluate(ctx, "platinum", spreadAt("99"))
			assert.True(t, out.Disabled)
			assert.False(t, m.Enabled())
		})
	}

	m := NewMachine(MachineConfig{Enabled: true, Bands: map[string]Band{"platinum": BandFromBounds(nil, floatPtr(25))}}, cooldowns, nil, testLogger())
	assert.False(t, m.Enabled(), "missing notifier disables alerting")
	assert.Empty(t, notifier.calls)
}

func TestMachineUnknownFamilyIsIgnored(t *testing.T) {
	notifier := &recordingNotifier{}
	m, _ := newTestMachine(t, notifier, storage.NewMemoryCooldowns())

	out := m.Evaluate(context.Background(), "palladium", spreadAt("99"))
	assert.True(t, out.Disabled)
	assert.Empty(t, notifier.calls)
}

type brokenCooldowns struct{}

func (brokenCooldowns) GetLastAlert(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("redis down")
}

func (brokenCooldowns) SetLastAlert(context.Context, string, time.Time) error { return nil }

func TestMachineSkipsNotificationWhenCooldownUnreadable(t *testing.T) {
	notifier := &recordingNotifier{}
	m, _ := newTestMachine(t, notifier, brokenCooldowns{})

	out := m.Evaluate(context.Background(), "platinum", spreadAt("30"))
	assert.Error(t, out.Err)
	assert.False(t, out.Fired)
	assert.Equal(t, StateBreached, out.State)
	assert.Empty(t, notifier.calls)
}
