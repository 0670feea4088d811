package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spreadwatcher/internal/alerting"
	"spreadwatcher/internal/market"
	"spreadwatcher/internal/storage"
)

// SimulateOptions configure simulate-alert.
type SimulateOptions struct {
	Family    string
	Pair      string
	SpreadPct float64
}

// SimulateAlert pushes a synthetic spread through the alert state machine with
// a fresh cooldown so the configured channels can be verified.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	registry, err := a.newRegistry()
	if err != nil {
		return err
	}
	ps := registry.Pairs(opts.Family)
	if len(ps) == 0 {
		return fmt.Errorf("unknown metal %q", opts.Family)
	}
	pair := ps[0]
	if opts.Pair != "" {
		p, ok := registry.Lookup(opts.Family, opts.Pair)
		if !ok {
			return fmt.Errorf("unknown pair %q for %s", opts.Pair, opts.Family)
		}
		pair = p
	}

	rec := market.SpreadRecord{
		PairID:        pair.ID,
		DomesticCode:  pair.DomesticCode,
		ForeignCode:   pair.ForeignCode,
		Timestamp:     time.Now().UTC(),
		SpreadPercent: decimal.NewFromFloat(opts.SpreadPct),
	}

	machine := alerting.NewMachine(a.machineConfig(), storage.NewMemoryCooldowns(), notifier, a.Logger)
	out := machine.Evaluate(ctx, opts.Family, rec)
	switch {
	case out.Disabled:
		return fmt.Errorf("no valid threshold band configured for %s", opts.Family)
	case out.Err != nil:
		return out.Err
	case !out.Fired:
		return fmt.Errorf("spread %.3f%% is inside the band; nothing sent", opts.SpreadPct)
	}

	fmt.Fprintf(a.out, "alert sent for %s/%s (%s)\n", opts.Family, pair.ID, out.Violation)
	return nil
}
