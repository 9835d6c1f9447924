// Package telemetry exposes Prometheus metrics for the FHIR server: HTTP
// request metrics recorded by an Echo middleware, and transaction metrics
// recorded by the transaction engine.
package telemetry

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fhir"

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for request and transaction durations.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Metrics holds the server's collectors. A nil *Metrics records nothing, so
// components can be built without metrics in tests.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	transactions *prometheus.CounterVec
	txDuration   *prometheus.HistogramVec
	entries      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route, status and resource type.",
		}, []string{"method", "route", "status", "resource_type"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "total",
			Help:      "Transactions and batches by bundle type and outcome.",
		}, []string{"type", "outcome"}),
		txDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "duration_seconds",
			Help:      "Time to process a transaction or batch.",
			Buckets:   defaultDurationBuckets,
		}, []string{"type"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "entries_total",
			Help:      "Entries dispatched to the store by method and status.",
		}, []string{"method", "status"}),
	}
	reg.MustRegister(m.httpRequests, m.httpDuration, m.httpActive, m.transactions, m.txDuration, m.entries)
	return m
}

// ObserveTransaction records one finished transaction or batch.
func (m *Metrics) ObserveTransaction(bundleType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(bundleType, outcome).Inc()
	m.txDuration.WithLabelValues(bundleType).Observe(d.Seconds())
}

// ObserveEntry records one entry dispatched to the store.
func (m *Metrics) ObserveEntry(method string, status int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// Middleware returns an Echo middleware that records HTTP server metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpActive.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status is final.
				c.Error(err)
			}

			m.httpActive.Dec()
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.httpRequests.WithLabelValues(req.Method, route, status, extractFHIRResourceType(req.URL.Path)).Inc()
			m.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// extractFHIRResourceType returns the resource type segment of a FHIR URL
// path such as /fhir/Patient/123, or "".
func extractFHIRResourceType(path string) string {
	const prefix = "/fhir/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return ""
	}

	rest := path[idx+len(prefix):]
	if slashIdx := strings.IndexByte(rest, '/'); slashIdx >= 0 {
		rest = rest[:slashIdx]
	}

	// FHIR resource types are PascalCase.
	if len(rest) == 0 || !unicode.IsUpper(rune(rest[0])) {
		return ""
	}
	return rest
}
