package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the HTTP API.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdaq",
			Subsystem: "registry_api",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowdaq",
			Subsystem: "registry_api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	registry.MustRegister(m.requestsTotal, m.requestDuration)
	return m
}

// NewRouter builds the registry API. archive may be nil. When reg is non-nil, request metrics
// are recorded into it and served on /metrics.
func NewRouter(store Store, archive Archive, reg *prometheus.Registry) *mux.Router {
	h := &APIHandler{store: store, archive: archive}
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/runs", h.startRunHandler).Methods("POST")
	api.HandleFunc("/runs", h.listRunsHandler).Methods("GET")
	api.HandleFunc("/runs/{id}", h.getRunHandler).Methods("GET")
	api.HandleFunc("/runs/{id}", h.deleteRunHandler).Methods("DELETE")
	api.HandleFunc("/runs/{id}/finalize", h.finalizeRunHandler).Methods("POST")
	api.HandleFunc("/runs/{id}/download", h.downloadRunHandler).Methods("GET")
	api.HandleFunc("/runs/{id}/document", h.documentHandler).Methods("GET")
	api.HandleFunc("/runs/{id}/statistics", h.statisticsHandler).Methods("GET")
	api.HandleFunc("/stats", h.statsHandler).Methods("GET")

	r.HandleFunc("/health", h.healthHandler).Methods("GET")

	if reg != nil {
		m := newMetrics(reg)
		r.Use(m.middleware)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (m *Metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
