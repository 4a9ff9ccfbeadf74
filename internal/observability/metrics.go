package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	menuBuildsTotal   *prometheus.CounterVec
	menuBuildDuration prometheus.Histogram
	menuVisibleItems  prometheus.Histogram
	jobsTotal         *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "menuauthz_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "menuauthz_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	builds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "menuauthz_menu_builds_total",
		Help: "Jumlah pembangunan menu berdasarkan hasil (hit, miss, error).",
	}, []string{"result"})
	buildDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "menuauthz_menu_build_duration_seconds",
		Help:    "Durasi pembangunan pohon menu.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	visible := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "menuauthz_menu_visible_items",
		Help:    "Jumlah item menu yang terlihat per permintaan.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "menuauthz_jobs_total",
		Help: "Jumlah eksekusi job latar belakang berdasarkan task dan status.",
	}, []string{"task", "status"})
	registry.MustRegister(requests, duration, builds, buildDuration, visible, jobs)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		menuBuildsTotal:   builds,
		menuBuildDuration: buildDuration,
		menuVisibleItems:  visible,
		jobsTotal:         jobs,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveMenuBuild mencatat satu pembangunan menu.
func (m *Metrics) ObserveMenuBuild(result string, visibleItems int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.menuBuildsTotal.WithLabelValues(result).Inc()
	m.menuBuildDuration.Observe(elapsed.Seconds())
	if result != "error" {
		m.menuVisibleItems.Observe(float64(visibleItems))
	}
}

// ObserveJob mencatat hasil eksekusi job.
func (m *Metrics) ObserveJob(task string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobsTotal.WithLabelValues(task, status).Inc()
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
