package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/ironguard/csrf"
	"github.com/jmcleod/ironguard/lockout"
)

const metricsNamespace = "ironguard"

// apiMetrics are the Prometheus series exported by one API instance. Each
// instance owns its registry so tests can build many APIs in one process.
type apiMetrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	securityEvents *prometheus.CounterVec
}

func newAPIMetrics(csrfStore *csrf.Store, tracker *lockout.Tracker) *apiMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	m := &apiMetrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and status.",
		}, []string{"method", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		}, []string{"method"}),
		securityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "security_events_total",
			Help:      "Security events by type (login failures, lockouts, CSRF rejections, ...).",
		}, []string{"event"}),
	}
	if csrfStore != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "csrf_secrets",
			Help:      "Number of live CSRF secrets.",
		}, func() float64 { return float64(csrfStore.Len()) })
	}
	if tracker != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "lockout_records",
			Help:      "Number of tracked login failure records.",
		}, func() float64 { return float64(tracker.Len()) })
	}
	return m
}

// MetricsHandler serves this API's registry in the Prometheus text format.
func (a *API) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{})
}

// instrument counts every request, including ones rejected early in the
// pipeline.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.requests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		a.metrics.duration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// ---------------------------------------------------------------------------
// Anomaly alerts
// ---------------------------------------------------------------------------

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertCSRFRejectSpike   AlertType = "csrf_reject_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Sliding window for login failures.
	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	// Sliding window for CSRF rejections.
	csrfRejects   []time.Time
	csrfWindow    time.Duration
	csrfThreshold int

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultCSRFRejectWindow      = 1 * time.Minute
	defaultCSRFRejectThreshold   = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginWindow:    defaultLoginFailureWindow,
		loginThreshold: defaultLoginFailureThreshold,
		csrfWindow:     defaultCSRFRejectWindow,
		csrfThreshold:  defaultCSRFRejectThreshold,
		alertFn:        alertFn,
		now:            time.Now,
	}
}

// recordEvent inspects a security event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event SecurityEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case eventLoginFailure, eventLoginLocked:
		m.recordLoginFailure()
	case eventCSRFRejected:
		m.recordCSRFReject()
	}
}

func (m *metricsCollector) recordLoginFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.loginFailures = append(m.loginFailures, now)
	m.loginFailures = trimWindow(m.loginFailures, now, m.loginWindow)

	if len(m.loginFailures) >= m.loginThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertLoginFailureSpike,
			Message:   "login failure rate exceeds threshold",
			Count:     len(m.loginFailures),
			Threshold: m.loginThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.loginFailures = m.loginFailures[:0]
	}
}

func (m *metricsCollector) recordCSRFReject() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.csrfRejects = append(m.csrfRejects, now)
	m.csrfRejects = trimWindow(m.csrfRejects, now, m.csrfWindow)

	if len(m.csrfRejects) >= m.csrfThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertCSRFRejectSpike,
			Message:   "CSRF rejection rate exceeds threshold",
			Count:     len(m.csrfRejects),
			Threshold: m.csrfThreshold,
			Timestamp: now,
		})
		m.csrfRejects = m.csrfRejects[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
