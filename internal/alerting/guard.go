package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardOptions tune the breaker and limiter around a notifier.
type GuardOptions struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	RatePerMin  float64
}

// Guarded wraps a notifier with a circuit breaker and an outbound rate limit.
type Guarded struct {
	next    Notifier
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// Guard wraps next. A non-positive RatePerMin disables the limiter.
func Guard(next Notifier, opts GuardOptions, logger zerolog.Logger) *Guarded {
	if opts.Name == "" {
		opts.Name = "notifier"
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 5 * time.Minute
	}

	g := &Guarded{
		next:   next,
		logger: logger.With().Str("component", "alert_guard").Logger(),
	}

	st := gobreaker.Settings{Name: opts.Name, Timeout: opts.OpenTimeout}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= opts.MaxFailures
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		g.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("notifier breaker state changed")
	}
	g.breaker = gobreaker.NewCircuitBreaker(st)

	if opts.RatePerMin > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerMin/60), 1)
	}
	return g
}

// Notify delivers through the breaker. An open breaker counts as a delivery failure.
func (g *Guarded) Notify(ctx context.Context, note Notification) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return &DeliveryError{Channel: "guard", Err: err}
		}
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.next.Notify(ctx, note)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &DeliveryError{Channel: "guard", Err: err}
	}
	return err
}

// State exposes the breaker state.
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

var _ Notifier = (*Guarded)(nil)
