package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, the sweeps and intake.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	dispatchOutcomesTotal *prometheus.CounterVec
	reconcileOutcomes     *prometheus.CounterVec
	transportCallDuration *prometheus.HistogramVec
	sweepDuration         *prometheus.HistogramVec
	cyclesSkippedTotal    prometheus.Counter
	enqueuedTotal         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notifier",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		dispatchOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "dispatch_outcomes_total",
				Help:      "Per-record outcomes of the dispatch sweep.",
			},
			[]string{"outcome"},
		),
		reconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "reconcile_outcomes_total",
				Help:      "Per-record outcomes of the reconciliation sweep.",
			},
			[]string{"outcome"},
		),
		transportCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notifier",
				Name:      "transport_call_duration_seconds",
				Help:      "Transport call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notifier",
				Name:      "sweep_duration_seconds",
				Help:      "Wall time of one sweep run grouped by sweep.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"sweep"},
		),
		cyclesSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "cycles_skipped_total",
				Help:      "Scheduler ticks skipped because the previous cycle was still running.",
			},
		),
		enqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "notifications_enqueued_total",
				Help:      "Notification records created by producers grouped by source.",
			},
			[]string{"source"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dispatchOutcomesTotal,
		m.reconcileOutcomes,
		m.transportCallDuration,
		m.sweepDuration,
		m.cyclesSkippedTotal,
		m.enqueuedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDispatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveTransportCall(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transportCallDuration.WithLabelValues(normalizeLabel(operation)).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) ObserveSweepDuration(sweep string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(normalizeLabel(sweep)).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncCycleSkipped() {
	if m == nil {
		return
	}
	m.cyclesSkippedTotal.Inc()
}

func (m *Metrics) AddEnqueued(source string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.enqueuedTotal.WithLabelValues(normalizeLabel(source)).Add(float64(count))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func nonNegativeSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
