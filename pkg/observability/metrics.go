package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so domain services can take it as an optional dependency.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec

	// Authorization
	PermissionDecisionsTotal *prometheus.CounterVec
	MembershipCacheTotal     *prometheus.CounterVec

	// Entitlements
	GateEvaluationsTotal *prometheus.CounterVec

	// Subscription lifecycle
	TransitionsTotal      *prometheus.CounterVec
	ExpiredTotal          *prometheus.CounterVec
	SweepDuration         prometheus.Histogram
	SweepLockContended    prometheus.Counter
	SideEffectErrorsTotal *prometheus.CounterVec

	// Event log
	AuditDeletedTotal prometheus.Counter

	// Database pool
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "placebook_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PermissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_permission_decisions_total",
				Help: "Permission checks by scope, deciding strategy and outcome",
			},
			[]string{"scope", "strategy", "outcome"},
		),
		MembershipCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_membership_cache_total",
				Help: "Membership cache lookups by result",
			},
			[]string{"result"},
		),
		GateEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_entitlement_gates_total",
				Help: "Entitlement gate evaluations by feature and state",
			},
			[]string{"feature", "state"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_subscription_transitions_total",
				Help: "Subscription transitions by scope, kind and result",
			},
			[]string{"scope", "transition", "result"},
		),
		ExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_subscriptions_expired_total",
				Help: "Subscriptions moved to EXPIRED by the sweep",
			},
			[]string{"scope"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "placebook_expiry_sweep_duration_seconds",
				Help:    "Duration of the expiry sweep",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
			},
		),
		SweepLockContended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "placebook_expiry_sweep_lock_contended_total",
				Help: "Sweep ticks skipped because another replica held the lock",
			},
		),
		SideEffectErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_side_effect_errors_total",
				Help: "Failed history or audit writes that were logged and dropped",
			},
			[]string{"kind"},
		),
		AuditDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "placebook_event_log_deleted_total",
				Help: "Event log rows removed by bulk delete",
			},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placebook_rate_limited_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "placebook_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "placebook_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "placebook_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.PermissionDecisionsTotal,
		m.MembershipCacheTotal,
		m.GateEvaluationsTotal,
		m.TransitionsTotal,
		m.ExpiredTotal,
		m.SweepDuration,
		m.SweepLockContended,
		m.SideEffectErrorsTotal,
		m.AuditDeletedTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordPermission counts a permission decision
func (m *Metrics) RecordPermission(scope, strategy string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.PermissionDecisionsTotal.WithLabelValues(scope, strategy, outcome).Inc()
}

// RecordCacheLookup counts a membership cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.MembershipCacheTotal.WithLabelValues(result).Inc()
}

// RecordGate counts an entitlement gate evaluation
func (m *Metrics) RecordGate(feature, state string) {
	if m == nil {
		return
	}
	m.GateEvaluationsTotal.WithLabelValues(feature, state).Inc()
}

// RecordTransition counts a subscription transition attempt
func (m *Metrics) RecordTransition(scope, transition string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TransitionsTotal.WithLabelValues(scope, transition, result).Inc()
}

// RecordExpired adds n expired subscriptions for scope
func (m *Metrics) RecordExpired(scope string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredTotal.WithLabelValues(scope).Add(float64(n))
}

// ObserveSweep records the duration of one expiry sweep
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

// RecordSweepContended counts a skipped sweep tick
func (m *Metrics) RecordSweepContended() {
	if m == nil {
		return
	}
	m.SweepLockContended.Inc()
}

// RecordSideEffectError counts a swallowed history/audit failure
func (m *Metrics) RecordSideEffectError(kind string) {
	if m == nil {
		return
	}
	m.SideEffectErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimited counts a rejected request
func (m *Metrics) RecordRateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(limiter).Inc()
}

// RecordAuditDeleted adds n removed event log rows
func (m *Metrics) RecordAuditDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditDeletedTotal.Add(float64(n))
}

// UpdateDBStats copies connection pool stats into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel prefers the mux route template so path ids don't explode label
// cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
