package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"spreadwatcher/internal/pipeline"
)

// RefreshOptions configure a one-off refresh.
type RefreshOptions struct {
	Family string
	All    bool
}

// Refresh runs the pipeline once for one family or all of them and prints a summary.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	if !opts.All && opts.Family == "" {
		return errors.New("--metal or --all must be provided")
	}

	rt, err := a.build(ctx, buildOptions{alerts: true, publisher: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	var results []pipeline.Result
	if opts.All {
		results = rt.pipeline.RefreshAll(ctx)
	} else {
		if !rt.pipeline.HasFamily(opts.Family) {
			return fmt.Errorf("unknown metal %q", opts.Family)
		}
		results = []pipeline.Result{rt.pipeline.Refresh(ctx, opts.Family)}
	}

	processed, failed := 0, 0
	for _, res := range results {
		a.printResult(res)
		if res.OK {
			processed++
		} else {
			failed++
		}
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("refresh finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d refreshes failed, check the logs", failed, len(results))
	}
	return nil
}

func (a *App) printResult(res pipeline.Result) {
	status := "ok"
	if !res.OK {
		status = fmt.Sprintf("failed at %s: %s", res.Stage, sanitizeInline(res.Message))
	}
	fmt.Fprintf(a.out, "%s run %s: %s\n", res.Family, res.RunID, status)
	if len(res.Pairs) == 0 {
		return
	}

	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tRecords\tGaps\tSkipped\tSpread%\tAlert\tNote")
	for _, pr := range res.Pairs {
		spread := "-"
		if pr.Latest != nil {
			spread = formatDecimal(pr.Latest.SpreadPercent, 3)
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			pr.PairID, pr.Records, pr.Gaps, pr.Skipped, spread, pr.Alert, pr.Message)
	}
	writer.Flush()
}
