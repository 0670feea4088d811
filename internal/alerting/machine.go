package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spreadwatcher/internal/market"
	"spreadwatcher/internal/storage"
)

// DefaultCooldown is the minimum gap between two alerts for one pair.
const DefaultCooldown = 60 * time.Minute

// State of a pair in the alert state machine.
type State string

const (
	StateIdle     State = "idle"
	StateBreached State = "breached"
	StateCooling  State = "cooling"
)

// Band is the accepted spread_percent range of a family. A nil bound is open.
type Band struct {
	Min *decimal.Decimal
	Max *decimal.Decimal
}

// Valid reports whether the band has at least one bound and min <= max.
func (b Band) Valid() bool {
	if b.Min == nil && b.Max == nil {
		return false
	}
	if b.Min != nil && b.Max != nil && b.Min.GreaterThan(*b.Max) {
		return false
	}
	return true
}

// Check returns the violated side or "" when pct lies inside the band.
func (b Band) Check(pct decimal.Decimal) Violation {
	if b.Max != nil && pct.GreaterThan(*b.Max) {
		return AboveMax
	}
	if b.Min != nil && pct.LessThan(*b.Min) {
		return BelowMin
	}
	return ""
}

// MachineConfig holds the alerting rules.
type MachineConfig struct {
	Enabled  bool
	Cooldown time.Duration
	Bands    map[string]Band
}

// Outcome reports one evaluation.
type Outcome struct {
	State      State
	Violation  Violation
	Fired      bool
	Suppressed bool
	Disabled   bool
	Err        error
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock overrides the wall clock used for cooldown decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine evaluates spreads against bands and sends rate-limited notifications.
type Machine struct {
	enabled   bool
	cooldown  time.Duration
	bands     map[string]Band
	cooldowns storage.CooldownStore
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	states map[string]State
}

// NewMachine builds the state machine. Missing or malformed configuration
// yields a machine whose Evaluate is a no-op.
func NewMachine(cfg MachineConfig, cooldowns storage.CooldownStore, notifier Notifier, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		cooldown:  cfg.Cooldown,
		bands:     make(map[string]Band, len(cfg.Bands)),
		cooldowns: cooldowns,
		notifier:  notifier,
		logger:    logger.With().Str("component", "alert_machine").Logger(),
		now:       time.Now,
		states:    make(map[string]State),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cooldown <= 0 {
		m.cooldown = DefaultCooldown
	}

	for family, band := range cfg.Bands {
		if !band.Valid() {
			m.logger.Debug().Str("family", family).Msg("ignoring malformed threshold band")
			continue
		}
		m.bands[family] = band
	}

	m.enabled = cfg.Enabled && notifier != nil && cooldowns != nil && len(m.bands) > 0
	if cfg.Enabled && !m.enabled {
		m.logger.Debug().Msg("alerting configured but incomplete; alerts disabled")
	}
	return m
}

// Enabled reports whether evaluations can fire notifications.
func (m *Machine) Enabled() bool {
	return m != nil && m.enabled
}

// Key is the cooldown key of a pair; pair IDs are only unique within a family.
func Key(family, pairID string) string {
	return family + ":" + pairID
}

// Evaluate inspects the newest spread of a pair. It never fails the caller.
func (m *Machine) Evaluate(ctx context.Context, family string, rec market.SpreadRecord) Outcome {
	if !m.Enabled() {
		return Outcome{State: StateIdle, Disabled: true}
	}
	band, ok := m.bands[family]
	if !ok {
		return Outcome{State: StateIdle, Disabled: true}
	}

	key := Key(family, rec.PairID)
	log := m.logger.With().Str("family", family).Str("pair_id", rec.PairID).Str("spread_pct", rec.SpreadPercent.StringFixed(3)).Logger()

	violation := band.Check(rec.SpreadPercent)
	if violation == "" {
		if prev := m.transition(key, StateIdle); prev != StateIdle {
			log.Info().Str("from", string(prev)).Msg("spread back inside band")
		}
		return Outcome{State: StateIdle}
	}

	now := m.now()
	last, seen, err := m.cooldowns.GetLastAlert(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("read alert cooldown failed; skipping notification")
		m.transition(key, StateBreached)
		return Outcome{State: StateBreached, Violation: violation, Err: err}
	}

	if seen && now.Sub(last) <= m.cooldown {
		prev := m.current(key)
		state := StateBreached
		if prev == StateCooling {
			state = StateCooling
		}
		m.transition(key, state)
		log.Debug().Time("last_alert", last).Str("violation", string(violation)).Msg("breach within cooldown; notification suppressed")
		return Outcome{State: state, Violation: violation, Suppressed: true}
	}

	m.transition(key, StateBreached)
	note := Notification{
		Family:        family,
		PairID:        rec.PairID,
		DomesticCode:  rec.DomesticCode,
		ForeignCode:   rec.ForeignCode,
		SpreadPct:     rec.SpreadPercent,
		Violation:     violation,
		DomesticPrice: rec.DomesticPrice,
		ForeignPrice:  rec.ForeignPriceConverted,
		SampleTS:      rec.Timestamp,
		FiredAt:       now,
	}
	if band.Min != nil {
		note.Min = *band.Min
	}
	if band.Max != nil {
		note.Max = *band.Max
	}

	if err := m.notifier.Notify(ctx, note); err != nil {
		// cooldown untouched so the next cycle retries
		log.Warn().Err(err).Str("violation", string(violation)).Msg("alert notification failed")
		return Outcome{State: StateBreached, Violation: violation, Err: err}
	}

	if err := m.cooldowns.SetLastAlert(ctx, key, now); err != nil {
		log.Error().Err(err).Msg("alert sent but cooldown not recorded")
	}
	m.transition(key, StateCooling)
	log.Info().Str("violation", string(violation)).Msg("alert fired")
	return Outcome{State: StateCooling, Violation: violation, Fired: true}
}

// StateOf returns the last observed state of a pair.
func (m *Machine) StateOf(family, pairID string) State {
	return m.current(Key(family, pairID))
}

func (m *Machine) current(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[key]; ok {
		return s
	}
	return StateIdle
}

func (m *Machine) transition(key string, next State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.states[key]
	if !ok {
		prev = StateIdle
	}
	m.states[key] = next
	return prev
}

// BandFromBounds builds a band from optional float bounds.
func BandFromBounds(min, max *float64) Band {
	var b Band
	if min != nil {
		d := decimal.NewFromFloat(*min)
		b.Min = &d
	}
	if max != nil {
		d := decimal.NewFromFloat(*max)
		b.Max = &d
	}
	return b
}
