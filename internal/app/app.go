package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"spreadwatcher/internal/alerting"
	"spreadwatcher/internal/config"
	"spreadwatcher/internal/fetcher"
	"spreadwatcher/internal/metrics"
	"spreadwatcher/internal/pairs"
	"spreadwatcher/internal/pipeline"
	"spreadwatcher/internal/publish"
	"spreadwatcher/internal/query"
	"spreadwatcher/internal/scheduler"
	"spreadwatcher/internal/server"
	"spreadwatcher/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), out: os.Stdout}
	if cfg.AlertingErr != nil {
		a.Logger.Warn().Err(cfg.AlertingErr).Msg("alerting config invalid; alerts disabled")
	}
	return a
}

// runtime is the wired object graph of one command invocation.
type runtime struct {
	store     storage.SpreadStore
	locker    storage.AdvisoryLocker
	registry  *pairs.Registry
	metrics   *metrics.Recorder
	machine   *alerting.Machine
	pipeline  *pipeline.Pipeline
	queries   *query.Service
	publisher publish.Publisher
	closers   []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

type buildOptions struct {
	requireDatabase bool
	alerts          bool
	publisher       bool
}

func (a *App) build(ctx context.Context, opts buildOptions) (*runtime, error) {
	rt := &runtime{metrics: metrics.New()}

	if err := a.openStore(ctx, rt, opts.requireDatabase); err != nil {
		return nil, err
	}

	registry, err := a.newRegistry()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = registry
	rt.queries = query.New(rt.store, registry)

	if opts.alerts {
		rt.machine = a.newMachine(ctx, rt)
	}
	if opts.publisher {
		rt.publisher = a.newPublisher(rt)
	}

	domestic, foreign := a.newSeriesFetchers()
	deps := pipeline.Deps{
		Registry:  registry,
		Domestic:  domestic,
		Foreign:   foreign,
		FX:        a.newRateFetcher(),
		Store:     rt.store,
		Alerts:    rt.machine,
		Publisher: rt.publisher,
		Metrics:   rt.metrics,
		Locker:    rt.locker,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}
	rt.pipeline = pipeline.New(deps, a.families(), a.Logger)
	return rt, nil
}

func (a *App) openStore(ctx context.Context, rt *runtime, required bool) error {
	if a.Config.Database.DSN == "" {
		if required {
			return errors.New("database.dsn not configured")
		}
		a.Logger.Warn().Msg("database.dsn not configured; spreads kept in memory only")
		rt.store = storage.NewMemoryStore()
		return nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	rt.closers = append(rt.closers, store.Close)

	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return err
		}
	}
	rt.store = store
	rt.locker = store
	return nil
}

func (a *App) newRegistry() (*pairs.Registry, error) {
	reg := pairs.NewRegistry()
	for _, fam := range a.Config.Families {
		ps, err := reg.Register(fam.Name, contracts(fam.Domestic), contracts(fam.Foreign), fam.SuffixLen)
		if err != nil {
			return nil, fmt.Errorf("family %s: %w", fam.Name, err)
		}
		a.Logger.Debug().Str("family", fam.Name).Int("pairs", len(ps)).Msg("pairs registered")
	}
	return reg, nil
}

func contracts(cfgs []config.ContractConfig) []pairs.Contract {
	out := make([]pairs.Contract, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, pairs.Contract{Code: c.Code, Short: c.Short})
	}
	return out
}

func (a *App) families() []pipeline.Family {
	out := make([]pipeline.Family, 0, len(a.Config.Families))
	for _, fam := range a.Config.Families {
		out = append(out, pipeline.Family{Name: fam.Name, UnitFactor: fam.UnitFactor, Tolerance: fam.Tolerance})
	}
	return out
}

func (a *App) newSeriesFetchers() (fetcher.SeriesFetcher, fetcher.SeriesFetcher) {
	loc := a.Config.Location()
	feed := func(name string, cfg config.FeedConfig) *fetcher.HTTPSeries {
		return fetcher.NewHTTPSeries(fetcher.SeriesOptions{
			Name:       name,
			URL:        cfg.URL,
			TimeLayout: cfg.TimeLayout,
			Location:   loc,
			Timeout:    cfg.RequestTimeout,
			UserAgent:  cfg.UserAgent,
			Currency:   cfg.Currency,
			Unit:       cfg.Unit,
		}, a.Logger)
	}
	return feed("domestic", a.Config.Feeds.Domestic), feed("foreign", a.Config.Feeds.Foreign)
}

func (a *App) newRateFetcher() fetcher.RateFetcher {
	fx := a.Config.FX
	switch fx.Source {
	case "http":
		return fetcher.NewHTTPRate(fetcher.HTTPRateOptions{
			URL:     fx.URL,
			Field:   fx.Field,
			Timeout: fx.RequestTimeout,
		}, a.Logger)
	case "chainlink":
		return fetcher.NewChainlinkRate(fetcher.ChainlinkOptions{
			RPCURL:     fx.Chainlink.RPCURL,
			Aggregator: fx.Chainlink.Aggregator,
			Invert:     fx.Chainlink.Invert,
			Timeout:    fx.RequestTimeout,
		}, a.Logger)
	default:
		if fx.Rate <= 0 {
			return fetcher.StaticRate(fetcher.DefaultFXRate)
		}
		return fetcher.StaticRate(fx.Rate)
	}
}

// newNotifier builds the configured channels, each behind a breaker and limiter.
func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	guard := func(name string, n alerting.Notifier) alerting.Notifier {
		return alerting.Guard(n, alerting.GuardOptions{
			Name:        name,
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
			RatePerMin:  cfg.RatePerMin,
		}, a.Logger)
	}

	var channels alerting.MultiNotifier
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		channels = append(channels, guard("webhook", alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout, a.Logger)))
	}
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		tg := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 0, a.Logger)
		channels = append(channels, guard("telegram", tg))
	}

	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	default:
		return channels
	}
}

// newCooldowns selects the cooldown backend. Failures disable alerting rather
// than aborting the command.
func (a *App) newCooldowns(ctx context.Context, rt *runtime) storage.CooldownStore {
	switch a.Config.Alerting.Backend {
	case "redis":
		client, err := storage.NewRedisClient(ctx, a.Config.Redis)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("redis cooldown backend unavailable; alerts disabled")
			return nil
		}
		cd := storage.NewRedisCooldowns(client, a.Config.Redis.KeyPrefix, 2*a.Config.Alerting.Cooldown)
		rt.closers = append(rt.closers, func() { _ = cd.Close() })
		return cd
	case "memory":
		return storage.NewMemoryCooldowns()
	default:
		if cd, ok := rt.store.(storage.CooldownStore); ok {
			return cd
		}
		a.Logger.Error().Str("backend", a.Config.Alerting.Backend).
			Msg("postgres cooldown backend needs database.dsn; cooldowns kept in memory and lost on restart")
		return storage.NewMemoryCooldowns()
	}
}

func (a *App) machineConfig() alerting.MachineConfig {
	cfg := a.Config.Alerting
	bands := make(map[string]alerting.Band, len(cfg.Thresholds))
	for family, band := range cfg.Thresholds {
		bands[family] = alerting.BandFromBounds(band.Min, band.Max)
	}
	return alerting.MachineConfig{Enabled: cfg.Enabled, Cooldown: cfg.Cooldown, Bands: bands}
}

func (a *App) newMachine(ctx context.Context, rt *runtime) *alerting.Machine {
	if !a.Config.Alerting.Enabled {
		return alerting.NewMachine(alerting.MachineConfig{}, nil, nil, a.Logger)
	}
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting enabled but no notification channel configured")
	}
	return alerting.NewMachine(a.machineConfig(), a.newCooldowns(ctx, rt), notifier, a.Logger)
}

func (a *App) newPublisher(rt *runtime) publish.Publisher {
	cfg := a.Config.Publish.Kafka
	if !cfg.Enabled {
		return nil
	}
	pub, err := publish.NewKafkaPublisher(publish.KafkaOptions{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		WriteTimeout: cfg.WriteTimeout,
	}, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("kafka publisher disabled")
		return nil
	}
	rt.closers = append(rt.closers, func() {
		if err := pub.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close kafka publisher")
		}
	})
	return pub
}

func (a *App) newServer(rt *runtime) *server.Server {
	cfg := a.Config.Server
	return server.New(server.Options{
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		HistoryLimit:    cfg.HistoryLimit,
	}, rt.queries, rt.pipeline, rt.metrics, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, buildOptions{alerts: true, publisher: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	serverErr := make(chan error, 1)
	if a.Config.Server.Enabled {
		srv := a.newServer(rt)
		go func() {
			serverErr <- srv.Start(ctx)
		}()
	} else {
		close(serverErr)
	}

	a.Logger.Info().Strs("families", rt.pipeline.Families()).Msg("starting monitoring service")
	err = rt.pipeline.Run(ctx, sched)
	cancel()

	if srvErr := <-serverErr; srvErr != nil {
		a.Logger.Error().Err(srvErr).Msg("http server terminated with error")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Serve runs only the HTTP router; refreshes happen on request.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, buildOptions{alerts: true, publisher: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	return a.newServer(rt).Start(ctx)
}
