package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spreadwatcher/internal/market"
	"spreadwatcher/internal/storage"
)

// ExportOptions hold parameters for exporting a pair's spread history.
type ExportOptions struct {
	Family    string
	Pair      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders the history of one pair as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Family == "" || opts.Pair == "" {
		return errors.New("--metal and --pair must be provided")
	}
	if _, ok := a.Config.Family(opts.Family); !ok {
		return fmt.Errorf("unknown metal %q", opts.Family)
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("from must be before to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.build(ctx, buildOptions{requireDatabase: true})
	if err != nil {
		return fmt.Errorf("cannot export: %w", err)
	}
	defer rt.Close()

	records, err := rt.store.QuerySpreads(ctx, opts.Family, opts.Pair, storage.Window{From: opts.From, To: opts.To})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("family", opts.Family).Str("pair", opts.Pair).Msg("no spreads found for export window")
		return nil
	}

	downsampled := downsampleSpreads(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting spreads")

	if opts.CSVPath != "" {
		if err := writeSpreadsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSpreadsPNG(opts.PNGPath, opts.Pair, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSpreads(records []market.SpreadRecord, max int) []market.SpreadRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]market.SpreadRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeSpreadsCSV(path string, records []market.SpreadRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"pair_id", "domestic_contract", "foreign_contract", "ts", "domestic_price", "foreign_price_native", "foreign_price_converted", "spread_abs", "spread_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.PairID,
			rec.DomesticCode,
			rec.ForeignCode,
			rec.Timestamp.Format(time.RFC3339),
			rec.DomesticPrice.String(),
			rec.ForeignPriceNative.String(),
			rec.ForeignPriceConverted.String(),
			rec.SpreadAbsolute.String(),
			rec.SpreadPercent.String(),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSpreadsPNG(path, pairID string, records []market.SpreadRecord) error {
	if len(records) < 2 {
		return errors.New("at least two points are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	domestic := make([]float64, len(records))
	foreign := make([]float64, len(records))
	pct := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.Timestamp
		domestic[i] = rec.DomesticPrice.InexactFloat64()
		foreign[i] = rec.ForeignPriceConverted.InexactFloat64()
		pct[i] = rec.SpreadPercent.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  pairID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (domestic units)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Spread (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Domestic",
				XValues: x,
				YValues: domestic,
			},
			chart.TimeSeries{
				Name:    "Foreign (converted)",
				XValues: x,
				YValues: foreign,
			},
			chart.TimeSeries{
				Name:    "Spread %",
				XValues: x,
				YValues: pct,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
