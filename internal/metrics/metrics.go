// Package metrics exposes Prometheus counters for the session engine and an
// HTTP middleware that records request metrics.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mockprep"

var (
	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Interview sessions started, by mode",
	}, []string{"mode"})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Interview sessions ended, by reason",
	}, []string{"reason"})

	contributionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contributions_applied_total",
		Help:      "Completion events folded into a session, by event type",
	}, []string{"type"})

	contributionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contributions_dropped_total",
		Help:      "Completion events that could not be applied, by event type and reason",
	}, []string{"type", "reason"})

	sequenceMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_mismatches_total",
		Help:      "Contributions that did not match the mode schedule",
	}, []string{"mode"})

	violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proctor_violations_total",
		Help:      "Proctoring violations, by escalation level",
	}, []string{"level"})

	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Session repository operations that failed, by operation",
	}, []string{"op"})

	directives = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_directives_total",
		Help:      "Directives sent to the dialogue agent, by kind and outcome",
	}, []string{"kind", "outcome"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	})
)

// SessionStarted counts a new session in mode.
func SessionStarted(mode string) {
	sessionsStarted.WithLabelValues(mode).Inc()
}

// SessionEnded counts a session reaching a terminal state or being ended.
func SessionEnded(reason string) {
	sessionsEnded.WithLabelValues(reason).Inc()
}

func ContributionApplied(eventType string) {
	contributionsApplied.WithLabelValues(eventType).Inc()
}

func ContributionDropped(eventType, reason string) {
	contributionsDropped.WithLabelValues(eventType, reason).Inc()
}

func SequenceMismatch(mode string) {
	sequenceMismatches.WithLabelValues(mode).Inc()
}

func Violation(level string) {
	violations.WithLabelValues(level).Inc()
}

// PersistFailure counts a failed repository call on the hot path.
func PersistFailure(op string) {
	persistFailures.WithLabelValues(op).Inc()
}

func Directive(kind, outcome string) {
	directives.WithLabelValues(kind, outcome).Inc()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics labelled by chi route pattern so path
// parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
