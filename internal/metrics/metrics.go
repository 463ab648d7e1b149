// Package metrics exposes the engine's prometheus counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Question load sources.
const (
	SourceRemote = "remote"
	SourceCache  = "cache"
	SourceNone   = "none"
)

// Submission paths.
const (
	PathRemote  = "remote"
	PathPending = "pending"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg prometheus.Gatherer

	QuestionLoads   *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
	SyncEntries     *prometheus.CounterVec
	TimerExpiries   prometheus.Counter
	Attempts        prometheus.Gauge
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers the engine counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		QuestionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testengine_question_loads_total",
			Help: "Question set loads by source",
		}, []string{"source"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testengine_submissions_total",
			Help: "Finalized submissions by persistence path",
		}, []string{"path"}),
		SyncEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testengine_sync_entries_total",
			Help: "Pending submissions processed by the reconciler",
		}, []string{"result"}),
		TimerExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testengine_timer_expiries_total",
			Help: "Sessions force-submitted because the timer ran out",
		}),
		Attempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testengine_attempts_in_memory",
			Help: "Attempts held by the engine, running or recently finished",
		}),
		RequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		}, []string{"method", "endpoint"}),
	}
	reg.MustRegister(m.QuestionLoads, m.Submissions, m.SyncEntries, m.TimerExpiries, m.Attempts,
		m.RequestCounter, m.RequestDuration)
	return m
}

func (m *Metrics) QuestionLoad(source string) {
	if m != nil {
		m.QuestionLoads.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Submission(path string) {
	if m != nil {
		m.Submissions.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) SyncEntry(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "synced"
	}
	m.SyncEntries.WithLabelValues(result).Inc()
}

func (m *Metrics) TimerExpired() {
	if m != nil {
		m.TimerExpiries.Inc()
	}
}

func (m *Metrics) AttemptsHeld(n int) {
	if m != nil {
		m.Attempts.Set(float64(n))
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		m.RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(ww.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
