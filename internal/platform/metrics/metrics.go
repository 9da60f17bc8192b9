// Package metrics provides Prometheus instrumentation for the logic server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only logic metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/logic/internal/logic"
)

var _ logic.Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus collectors used by the logic server. It is
// the logic.Recorder handed to the evaluation service.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	EvalDuration        *prometheus.HistogramVec
	RuleEvaluations     *prometheus.CounterVec
	RuleDuration        *prometheus.HistogramVec
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CohortSize          prometheus.Histogram
	CohortDuration      *prometheus.HistogramVec
	RegistryEvents      *prometheus.CounterVec
}

// New creates and registers all logic metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logic_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logic_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logic_evaluations_total",
			Help: "Total number of top-level criteria evaluations.",
		}, []string{"outcome"}),

		EvalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logic_evaluation_duration_seconds",
			Help:    "Latency of top-level criteria evaluations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		RuleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logic_rule_evaluations_total",
			Help: "Total number of rule resolutions that missed the result cache.",
		}, []string{"token", "outcome"}),

		RuleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logic_rule_duration_seconds",
			Help:    "Latency of individual rule evaluations in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"token"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logic_cache_hits_total",
			Help: "Total number of rule results served from the result cache.",
		}, []string{"token"}),

		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logic_cache_misses_total",
			Help: "Total number of rule results not found in the result cache.",
		}, []string{"token"}),

		CohortSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "logic_cohort_size",
			Help:    "Number of patients per cohort evaluation.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		CohortDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logic_cohort_duration_seconds",
			Help:    "Latency of cohort evaluations in seconds.",
			Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120},
		}, []string{"outcome"}),

		RegistryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logic_registry_events_total",
			Help: "Total number of rule registry change events, by direction and type.",
		}, []string{"direction", "type"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.EvalDuration,
		m.RuleEvaluations,
		m.RuleDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CohortSize,
		m.CohortDuration,
		m.RegistryEvents,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per matched echo route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			code := strconv.Itoa(status)
			m.HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, code).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, route, code).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) CacheHit(token string) {
	m.CacheHitsTotal.WithLabelValues(token).Inc()
}

func (m *Metrics) CacheMiss(token string) {
	m.CacheMissesTotal.WithLabelValues(token).Inc()
}

func (m *Metrics) RuleEvaluated(token string, elapsed time.Duration, err error) {
	m.RuleEvaluations.WithLabelValues(token, outcome(err)).Inc()
	m.RuleDuration.WithLabelValues(token).Observe(elapsed.Seconds())
}

func (m *Metrics) EvalCompleted(rootToken string, elapsed time.Duration, err error) {
	o := outcome(err)
	m.EvaluationsTotal.WithLabelValues(o).Inc()
	m.EvalDuration.WithLabelValues(o).Observe(elapsed.Seconds())
}

func (m *Metrics) CohortCompleted(size int, elapsed time.Duration, err error) {
	m.CohortSize.Observe(float64(size))
	m.CohortDuration.WithLabelValues(outcome(err)).Observe(elapsed.Seconds())
}

// RegistryEvent counts a registry change event; direction is "published" or
// "received".
func (m *Metrics) RegistryEvent(direction, eventType string) {
	m.RegistryEvents.WithLabelValues(direction, eventType).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, logic.ErrEvaluationTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, logic.ErrTokenNotFound), errors.Is(err, logic.ErrDataSourceNotFound), errors.Is(err, logic.ErrKeyNotFound):
		return "not_found"
	default:
		return "error"
	}
}
