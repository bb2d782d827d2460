package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay request outcomes used as metric labels.
const (
	OutcomeSuccess    = "success"
	OutcomeRejected   = "rejected"
	OutcomeEmptyInput = "empty_input"
	OutcomeNoReply    = "no_reply"
	OutcomeCacheHit   = "cache_hit"
	OutcomeError      = "error"
)

var (
	// Relay metrics
	relayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of webhook relay requests",
	}, []string{"outcome"})

	relayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_duration_seconds",
		Help:    "Duration of webhook relay requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// Backend metrics
	backendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_backend_requests_total",
		Help: "Total number of requests to the inference backend",
	}, []string{"endpoint", "status"})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_backend_request_duration_seconds",
		Help:    "Duration of inference backend requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_hits_total",
		Help: "Total number of reply cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_misses_total",
		Help: "Total number of reply cache misses",
	})

	// Active conversations gauge
	activeConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_conversations",
		Help: "Number of senders with stored conversation history",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records a relay request with its outcome
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	relayRequests.WithLabelValues(outcome).Inc()
	relayRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordBackendRequest records a call to the inference backend
func (m *Metrics) RecordBackendRequest(endpoint, status string, duration time.Duration) {
	backendRequests.WithLabelValues(endpoint, status).Inc()
	backendRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCacheHit records a reply cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a reply cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// SetActiveConversations sets the number of senders with stored history
func (m *Metrics) SetActiveConversations(count float64) {
	activeConversations.Set(count)
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
