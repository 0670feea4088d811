// Package pipeline runs one refresh of a pair family: acquire, align, compute,
// persist, alert and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spreadwatcher/internal/alerting"
	"spreadwatcher/internal/align"
	"spreadwatcher/internal/fetcher"
	"spreadwatcher/internal/market"
	"spreadwatcher/internal/metrics"
	"spreadwatcher/internal/pairs"
	"spreadwatcher/internal/publish"
	"spreadwatcher/internal/scheduler"
	"spreadwatcher/internal/spread"
	"spreadwatcher/internal/storage"
)

// Stage names the step a refresh stopped at.
type Stage string

const (
	StageConfig      Stage = "config"
	StageAcquisition Stage = "acquisition"
	StageAlignment   Stage = "alignment"
	StageCompute     Stage = "compute"
	StagePersist     Stage = "persist"
	StageDone        Stage = "done"
)

// Family carries the per-family conversion settings.
type Family struct {
	Name       string
	UnitFactor float64
	Tolerance  time.Duration
}

// PairResult summarises one pair of a refresh.
type PairResult struct {
	PairID  string               `json:"pair_id"`
	Records int                  `json:"records"`
	Gaps    int                  `json:"gaps"`
	Skipped int                  `json:"skipped"`
	Latest  *market.SpreadRecord `json:"latest,omitempty"`
	Alert   string               `json:"alert,omitempty"`
	Message string               `json:"message,omitempty"`
}

// Result reports a refresh run.
type Result struct {
	RunID     string        `json:"run_id"`
	Family    string        `json:"family"`
	OK        bool          `json:"ok"`
	Stage     Stage         `json:"stage"`
	Message   string        `json:"message,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Pairs     []PairResult  `json:"pairs,omitempty"`
}

// Deps are the collaborators of the pipeline. Alerts, Publisher, Metrics and
// Locker are optional.
type Deps struct {
	Registry  *pairs.Registry
	Domestic  fetcher.SeriesFetcher
	Foreign   fetcher.SeriesFetcher
	FX        fetcher.RateFetcher
	Store     storage.SpreadStore
	Alerts    *alerting.Machine
	Publisher publish.Publisher
	Metrics   *metrics.Recorder
	Locker    storage.AdvisoryLocker
	LockKey   int64
}

// Pipeline orchestrates refreshes.
type Pipeline struct {
	deps     Deps
	families map[string]Family
	order    []string
	logger   zerolog.Logger
}

// New constructs a pipeline for the given families.
func New(deps Deps, families []Family, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		deps:     deps,
		families: make(map[string]Family, len(families)),
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
	for _, f := range families {
		if f.Tolerance <= 0 {
			f.Tolerance = align.DefaultTolerance
		}
		if _, dup := p.families[f.Name]; !dup {
			p.order = append(p.order, f.Name)
		}
		p.families[f.Name] = f
	}
	return p
}

// Families lists the configured family names in configuration order.
func (p *Pipeline) Families() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// HasFamily reports whether name is configured.
func (p *Pipeline) HasFamily(name string) bool {
	_, ok := p.families[name]
	return ok
}

// Run drives scheduled refreshes of every family until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, p.ProcessBucket)
}

// ProcessBucket refreshes all families for one scheduled bucket, guarded by
// the advisory lock when one is configured.
func (p *Pipeline) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		p.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var failed []string
	for _, res := range p.RefreshAll(ctx) {
		if !res.OK {
			failed = append(failed, res.Family)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("refresh failed for %v", failed)
	}
	return nil
}

// RefreshAll refreshes every configured family in order.
func (p *Pipeline) RefreshAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(p.order))
	for _, name := range p.order {
		results = append(results, p.Refresh(ctx, name))
	}
	return results
}

// Refresh runs the pipeline for one family. It never panics on collaborator
// failures; the returned Result names the stage that stopped the run.
func (p *Pipeline) Refresh(ctx context.Context, family string) Result {
	res := Result{RunID: uuid.NewString(), Family: family, StartedAt: time.Now().UTC()}
	log := p.logger.With().Str("run_id", res.RunID).Str("family", family).Logger()

	finish := func(stage Stage, ok bool, msg string) Result {
		res.Stage, res.OK, res.Message = stage, ok, msg
		res.Duration = time.Since(res.StartedAt)
		p.deps.Metrics.ObserveRefresh(family, string(stage), ok, res.Duration)
		if ok {
			log.Info().Int("pairs", len(res.Pairs)).Dur("took", res.Duration).Msg("refresh complete")
		} else {
			log.Error().Str("stage", string(stage)).Str("message", msg).Msg("refresh failed")
		}
		return res
	}

	fam, ok := p.families[family]
	if !ok || p.deps.Registry == nil {
		return finish(StageConfig, false, fmt.Sprintf("unknown family %q", family))
	}
	pairList := p.deps.Registry.Pairs(family)
	if len(pairList) == 0 {
		return finish(StageConfig, false, fmt.Sprintf("family %q has no pairs", family))
	}

	// acquisition
	fx, err := p.deps.FX.FetchRate(ctx)
	if err != nil {
		return finish(StageAcquisition, false, fmt.Sprintf("fetch fx rate: %v", err))
	}
	domestic, err := p.fetchAll(ctx, log, p.deps.Domestic, domesticCodes(pairList))
	if err != nil {
		return finish(StageAcquisition, false, fmt.Sprintf("domestic series: %v", err))
	}
	foreign, err := p.fetchAll(ctx, log, p.deps.Foreign, foreignCodes(pairList))
	if err != nil {
		return finish(StageAcquisition, false, fmt.Sprintf("foreign series: %v", err))
	}

	// alignment and compute; nothing is written unless every pair computes
	batches := make([][]market.SpreadRecord, len(pairList))
	res.Pairs = make([]PairResult, len(pairList))
	for i, pair := range pairList {
		pr := &res.Pairs[i]
		pr.PairID = pair.ID

		dom, okDom := domestic[pair.DomesticCode]
		fgn, okFgn := foreign[pair.ForeignCode]
		if !okDom || !okFgn {
			pr.Message = "series unavailable"
			log.Warn().Str("pair_id", pair.ID).Bool("domestic", okDom).Bool("foreign", okFgn).Msg("skipping pair without series")
			continue
		}

		aligned := align.Align(dom, fgn, fam.Tolerance)
		pr.Gaps = len(aligned.Gaps)
		if pr.Gaps > 0 {
			p.deps.Metrics.RecordGaps(family, pr.Gaps)
			log.Warn().Str("pair_id", pair.ID).
				Int("gaps", pr.Gaps).
				Time("first_gap", aligned.Gaps[0].Timestamp).
				Dur("tolerance", fam.Tolerance).
				Msg("alignment gaps")
		}

		recs, err := spread.ComputeSeries(pair, aligned.Points, fx, fam.UnitFactor)
		if err != nil {
			res.Pairs = nil
			return finish(StageCompute, false, err.Error())
		}
		batches[i] = recs
	}

	// persist
	if err := p.deps.Store.EnsureFamily(ctx, family); err != nil {
		return finish(StagePersist, false, err.Error())
	}
	var latest []market.SpreadRecord
	for i, recs := range batches {
		if len(recs) == 0 {
			continue
		}
		pr := &res.Pairs[i]
		batch, err := p.deps.Store.UpsertSpreads(ctx, family, recs)
		if err != nil {
			return finish(StagePersist, false, err.Error())
		}
		pr.Records = batch.Written
		pr.Skipped = len(batch.Skipped)
		p.deps.Metrics.RecordBatch(family, batch.Written, pr.Skipped)
		for _, sk := range batch.Skipped {
			log.Warn().Err(sk.Reason).Str("pair_id", sk.Record.PairID).Time("ts", sk.Record.Timestamp).Msg("record skipped")
		}

		newest := recs[len(recs)-1]
		pr.Latest = &newest
		latest = append(latest, newest)
		p.deps.Metrics.RecordSpread(family, pr.PairID, newest.SpreadPercent.InexactFloat64())
	}

	// alert, best-effort
	if p.deps.Alerts != nil {
		for i := range res.Pairs {
			pr := &res.Pairs[i]
			if pr.Latest == nil {
				continue
			}
			out := p.deps.Alerts.Evaluate(ctx, family, *pr.Latest)
			pr.Alert = alertOutcome(out)
			p.deps.Metrics.RecordAlert(family, pr.Alert)
		}
	}

	// publish, best-effort
	if p.deps.Publisher != nil && len(latest) > 0 {
		err := p.deps.Publisher.Publish(ctx, res.RunID, family, latest)
		p.deps.Metrics.RecordPublish(family, err == nil)
		if err != nil {
			log.Warn().Err(err).Msg("publish spread events failed")
		}
	}

	return finish(StageDone, true, "")
}

// fetchAll downloads every code. Individual failures are logged; failing all
// codes is an error.
func (p *Pipeline) fetchAll(ctx context.Context, log zerolog.Logger, f fetcher.SeriesFetcher, codes []string) (map[string][]market.PriceSample, error) {
	if f == nil {
		return nil, errors.New("fetcher not configured")
	}
	out := make(map[string][]market.PriceSample, len(codes))
	var errs []error
	for _, code := range codes {
		samples, err := f.FetchSeries(ctx, code)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", code, err))
			log.Warn().Err(err).Str("contract", code).Msg("fetch series failed")
			continue
		}
		if len(samples) == 0 {
			log.Warn().Str("contract", code).Msg("empty series")
		}
		out[code] = samples
	}
	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (p *Pipeline) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.deps.LockKey == 0 || p.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.deps.Locker.TryAdvisoryLock(ctx, p.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func alertOutcome(out alerting.Outcome) string {
	switch {
	case out.Disabled:
		return "disabled"
	case out.Fired:
		return "fired"
	case out.Suppressed:
		return "suppressed"
	case out.Err != nil:
		return "failed"
	default:
		return string(out.State)
	}
}

func domesticCodes(ps []pairs.Pair) []string {
	return uniqueCodes(ps, func(p pairs.Pair) string { return p.DomesticCode })
}

func foreignCodes(ps []pairs.Pair) []string {
	return uniqueCodes(ps, func(p pairs.Pair) string { return p.ForeignCode })
}

func uniqueCodes(ps []pairs.Pair, pick func(pairs.Pair) string) []string {
	seen := make(map[string]struct{}, len(ps))
	var out []string
	for _, p := range ps {
		code := pick(p)
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
