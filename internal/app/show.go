package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spreadwatcher/internal/query"
	"spreadwatcher/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Family string
	Pair   string
	Limit  int
}

// Show prints the latest spread of every pair, or the recent history of one pair.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rt, err := a.build(ctx, buildOptions{requireDatabase: true})
	if err != nil {
		return fmt.Errorf("cannot show spreads: %w", err)
	}
	defer rt.Close()

	if !rt.pipeline.HasFamily(opts.Family) {
		return fmt.Errorf("unknown metal %q", opts.Family)
	}

	if opts.Pair == "" {
		all, err := rt.queries.AllPairs(ctx, opts.Family)
		if err != nil {
			return err
		}
		writeOverview(a.out, all)
		return nil
	}

	snap, err := rt.queries.Snapshot(ctx, opts.Family, opts.Pair, storage.Window{Limit: opts.Limit})
	if err != nil {
		return err
	}
	writeHistory(a.out, snap)
	return nil
}

func writeOverview(out io.Writer, all map[string]query.Snapshot) {
	if len(all) == 0 {
		fmt.Fprintln(out, "no pairs found")
		return
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tDomestic\tForeign\tTime (UTC)\tDomestic Px\tForeign Px (conv)\tSpread\tSpread%")
	for _, id := range ids {
		snap := all[id]
		if snap.NoData || snap.Current == nil {
			fmt.Fprintf(writer, "%s\t%s\t%s\t-\t-\t-\t-\tno data\n", id, snap.DomesticContract, snap.ForeignContract)
			continue
		}
		cur := snap.Current
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id,
			snap.DomesticContract,
			snap.ForeignContract,
			cur.Timestamp.UTC().Format(time.RFC3339),
			formatDecimal(cur.DomesticPrice, 2),
			formatDecimal(cur.ForeignPriceConverted, 2),
			formatDecimal(cur.SpreadAbsolute, 2),
			formatDecimal(cur.SpreadPercent, 3),
		)
	}
	writer.Flush()
}

func writeHistory(out io.Writer, snap query.Snapshot) {
	if snap.NoData {
		fmt.Fprintf(out, "no data for %s\n", snap.PairID)
		return
	}

	fmt.Fprintf(out, "%s (%s vs %s)\n", snap.PairID, snap.DomesticContract, snap.ForeignContract)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tDomestic Px\tForeign Px\tForeign Px (conv)\tSpread\tSpread%")
	for _, rec := range snap.History {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			formatDecimal(rec.DomesticPrice, 2),
			formatDecimal(rec.ForeignPriceNative, 2),
			formatDecimal(rec.ForeignPriceConverted, 2),
			formatDecimal(rec.SpreadAbsolute, 2),
			formatDecimal(rec.SpreadPercent, 3),
		)
	}
	writer.Flush()

	if snap.Stats != nil {
		fmt.Fprintf(out, "count=%d avg=%s%% max=%s%% min=%s%%\n",
			snap.Stats.Count,
			formatDecimal(snap.Stats.Avg, 3),
			formatDecimal(snap.Stats.Max, 3),
			formatDecimal(snap.Stats.Min, 3),
		)
	}
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
