package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service passed its last readiness check.",
	})

	// MutationOutcomes counts orchestrator invocations by terminal state.
	MutationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutation_outcomes_total",
			Help: "Mutation orchestrator outcomes by route, terminal state and reason.",
		},
		[]string{"route", "state", "reason"},
	)

	// AdmissionDecisions counts limiter decisions per route class.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission limiter decisions.",
		},
		[]string{"route", "decision"},
	)

	// OutboxDispatch counts delivery attempts by result (sent, retried, dead, error, skipped).
	OutboxDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Outbox delivery attempts by result.",
		},
		[]string{"result"},
	)

	// OutboxPublishSeconds observes broker publish latency.
	OutboxPublishSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_publish_seconds",
		Help:    "Latency of a single outbox publish call.",
		Buckets: prometheus.DefBuckets,
	})

	// OutboxDead counts events that exhausted their retry budget.
	OutboxDead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dead_total",
			Help: "Outbox events moved to DEAD, by event type.",
		},
		[]string{"event_type"},
	)

	// OutboxPending reports the PENDING backlog observed by the last dispatcher cycle.
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "PENDING outbox events observed by the dispatcher.",
	})

	initOnce sync.Once
)

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge)
		prometheus.MustRegister(MutationOutcomes, AdmissionDecisions, OutboxDispatch, OutboxPublishSeconds, OutboxDead, OutboxPending)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CanonicalPath collapses resource identifiers so path labels stay low-cardinality.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "bins", "orders":
		if parts[2] == "drops" {
			return raw
		}
	case "outbox":
		if len(parts) >= 4 && parts[2] == "events" {
			parts[3] = ":id"
			return "/" + strings.Join(parts, "/")
		}
		return raw
	default:
		return raw
	}
	switch len(parts) {
	case 3:
		return "/v1/" + parts[1] + "/:id"
	case 4:
		if parts[3] == "cancel" {
			return "/v1/" + parts[1] + "/:id/cancel"
		}
	}
	return raw
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
