// Package metrics provides Prometheus instrumentation for the frame engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts accepted bets, partitioned by direction.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_frame_bets_total",
		Help: "Total number of bets accepted",
	}, []string{"direction"})

	// BetRejections counts rejected bets by reason.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_frame_bet_rejections_total",
		Help: "Bets rejected before touching the ledger",
	}, []string{"reason"})

	// BetVolume tracks cumulative wagered amount in native units.
	BetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_frame_bet_volume_total",
		Help: "Cumulative wagered amount in native units",
	}, []string{"direction"})

	// FramesClosed counts archived frames by result.
	FramesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_frames_closed_total",
		Help: "Frames archived, partitioned by result",
	}, []string{"result"})

	// FailsafeActivations counts frames force-resolved out of CLOSING.
	FailsafeActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_frame_failsafe_total",
		Help: "Frames force-refunded after being stuck in CLOSING",
	})

	// OracleErrors counts failed price fetches.
	OracleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_oracle_errors_total",
		Help: "Failed oracle price fetches",
	})

	// QueueDepth tracks batches waiting in the payout queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_payout_queue_depth",
		Help: "Batches waiting in the payout queue",
	})

	// Submissions counts transfer submissions by batch type and outcome.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_payout_submissions_total",
		Help: "Transfer bundle submissions by type and outcome",
	}, []string{"type", "outcome"})

	// SubmitLatency tracks submission latency by batch type.
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_payout_submit_latency_seconds",
		Help:    "Transfer submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps user ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
