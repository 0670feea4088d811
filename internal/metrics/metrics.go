// Package metrics records pipeline, alert and HTTP metrics on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spreadwatcher"

// Recorder holds the collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	recordsWritten  *prometheus.CounterVec
	recordsSkipped  *prometheus.CounterVec
	alignmentGaps   *prometheus.CounterVec
	spreadPct       *prometheus.GaugeVec
	alertsTotal     *prometheus.CounterVec
	publishTotal    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates a recorder with its own registry, including Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh runs by family, final stage and result",
		}, []string{"family", "stage", "result"}),
		refreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh runs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),
		recordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spread_records_written_total",
			Help:      "Spread records upserted",
		}, []string{"family"}),
		recordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spread_records_skipped_total",
			Help:      "Spread records rejected by validation",
		}, []string{"family"}),
		alignmentGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alignment_gaps_total",
			Help:      "Reference points without a foreign match inside tolerance",
		}, []string{"family"}),
		spreadPct: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spread_percent",
			Help:      "Latest spread percentage per pair",
		}, []string{"family", "pair"}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert evaluations by outcome",
		}, []string{"family", "outcome"}),
		publishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Spread events published",
		}, []string{"family", "result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRefresh records one refresh run.
func (r *Recorder) ObserveRefresh(family, stage string, ok bool, dur time.Duration) {
	if r == nil {
		return
	}
	r.refreshTotal.WithLabelValues(family, stage, result(ok)).Inc()
	r.refreshDuration.WithLabelValues(family).Observe(dur.Seconds())
}

// RecordBatch records an upsert batch.
func (r *Recorder) RecordBatch(family string, written, skipped int) {
	if r == nil {
		return
	}
	r.recordsWritten.WithLabelValues(family).Add(float64(written))
	r.recordsSkipped.WithLabelValues(family).Add(float64(skipped))
}

// RecordGaps records alignment gaps.
func (r *Recorder) RecordGaps(family string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.alignmentGaps.WithLabelValues(family).Add(float64(n))
}

// RecordSpread sets the latest spread gauge of a pair.
func (r *Recorder) RecordSpread(family, pairID string, pct float64) {
	if r == nil {
		return
	}
	r.spreadPct.WithLabelValues(family, pairID).Set(pct)
}

// RecordAlert counts an alert evaluation outcome (fired, suppressed, failed, idle).
func (r *Recorder) RecordAlert(family, outcome string) {
	if r == nil {
		return
	}
	r.alertsTotal.WithLabelValues(family, outcome).Inc()
}

// RecordPublish counts a publish attempt.
func (r *Recorder) RecordPublish(family string, ok bool) {
	if r == nil {
		return
	}
	r.publishTotal.WithLabelValues(family, result(ok)).Inc()
}

// ObserveHTTP records one HTTP request against its route template.
func (r *Recorder) ObserveHTTP(route, method string, status int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
