// Package server exposes snapshots and on-demand refreshes over JSON HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"spreadwatcher/internal/metrics"
	"spreadwatcher/internal/pipeline"
	"spreadwatcher/internal/query"
	"spreadwatcher/internal/storage"
	"spreadwatcher/internal/version"
)

// Snapshotter answers read queries.
type Snapshotter interface {
	Snapshot(ctx context.Context, family, pairID string, w storage.Window) (query.Snapshot, error)
	AllPairs(ctx context.Context, family string) (map[string]query.Snapshot, error)
}

// Refresher runs the pipeline on demand.
type Refresher interface {
	Refresh(ctx context.Context, family string) pipeline.Result
	HasFamily(name string) bool
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	HistoryLimit    int
}

// Server wraps the echo router.
type Server struct {
	echo      *echo.Echo
	opts      Options
	queries   Snapshotter
	refresher Refresher
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

// New builds the router and registers every route.
func New(opts Options, queries Snapshotter, refresher Refresher, rec *metrics.Recorder, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 500
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.ReadTimeout
	e.Server.WriteTimeout = opts.WriteTimeout

	s := &Server{
		echo:      e,
		opts:      opts,
		queries:   queries,
		refresher: refresher,
		metrics:   rec,
		logger:    logger.With().Str("component", "http").Logger(),
	}

	e.Use(s.recover(), s.observe())
	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(rec.Handler()))

	api := e.Group("/api/:metal")
	api.GET("/pairs", s.listPairs)
	api.GET("/pairs/:pair", s.pairSnapshot)
	api.POST("/refresh", s.refresh)

	return s
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := s.echo.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) listPairs(c echo.Context) error {
	metal := c.Param("metal")
	if !s.refresher.HasFamily(metal) {
		return c.JSON(http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown metal %q", metal)})
	}

	all, err := s.queries.AllPairs(c.Request().Context(), metal)
	if err != nil {
		s.logger.Error().Err(err).Str("metal", metal).Msg("list pairs failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "query failed"})
	}
	return c.JSON(http.StatusOK, all)
}

func (s *Server) pairSnapshot(c echo.Context) error {
	metal := c.Param("metal")
	if !s.refresher.HasFamily(metal) {
		return c.JSON(http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown metal %q", metal)})
	}

	w, err := s.window(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}

	snap, err := s.queries.Snapshot(c.Request().Context(), metal, c.Param("pair"), w)
	if err != nil {
		s.logger.Error().Err(err).Str("metal", metal).Str("pair", c.Param("pair")).Msg("snapshot failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "query failed"})
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) refresh(c echo.Context) error {
	metal := c.Param("metal")
	if !s.refresher.HasFamily(metal) {
		return c.JSON(http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown metal %q", metal)})
	}

	res := s.refresher.Refresh(c.Request().Context(), metal)
	if !res.OK {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) window(c echo.Context) (storage.Window, error) {
	w := storage.Window{Limit: s.opts.HistoryLimit}
	if raw := c.QueryParam("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return w, fmt.Errorf("invalid from: %v", err)
		}
		w.From = &ts
	}
	if raw := c.QueryParam("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return w, fmt.Errorf("invalid to: %v", err)
		}
		w.To = &ts
	}
	if w.From != nil && w.To != nil && !w.From.Before(*w.To) {
		return w, errors.New("from must be before to")
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return w, fmt.Errorf("invalid limit %q", raw)
		}
		w.Limit = n
	}
	return w, nil
}

func (s *Server) recover() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("path", c.Path()).Msg("handler panic")
					err = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
				}
			}()
			return next(c)
		}
	}
}

func (s *Server) observe() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			took := time.Since(start)
			s.metrics.ObserveHTTP(c.Path(), req.Method, res.Status, took)

			evt := s.logger.Debug()
			if res.Status >= http.StatusInternalServerError {
				evt = s.logger.Warn()
			}
			evt.Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", res.Status).
				Dur("took", took).
				Msg("http request")
			return nil
		}
	}
}
