// Package metrics exposes Prometheus counters and histograms for the
// engine's hot paths: ratchet sends/receives and DH-ratchet steps,
// handshake initiate/accept outcomes, TaskProcessor queue depth and
// job latency, FanOut delivery latency, and KeyRotation events.
//
// Grounded on internal/metrics/metrics.go: the promauto var-block
// registration style, the HTTP middleware/responseWriter wrapper, and
// Handler() are kept as-is; the metric catalogue itself is replaced —
// the teacher's catalogue covers an HTTP chat server's auth/rate-limit
// surface, which this engine doesn't have.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RatchetMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_engine_ratchet_messages_total",
			Help: "Total number of ratchet Send/Receive operations",
		},
		[]string{"direction"}, // send, receive
	)

	RatchetDHStepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_engine_ratchet_dh_steps_total",
			Help: "Total number of Double Ratchet DH ratchet steps performed on receive",
		},
	)

	RatchetSkippedKeysStashed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_engine_ratchet_skipped_keys_stashed",
			Help: "Current number of skipped message keys held across all sessions",
		},
	)

	RatchetAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_engine_ratchet_auth_failures_total",
			Help: "Total number of ratchet authentication failures (bad ciphertext/header)",
		},
	)

	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_engine_handshakes_total",
			Help: "Total number of PQXDH handshakes performed",
		},
		[]string{"role", "result"}, // role: initiator/responder, result: success/failure
	)

	TaskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_engine_taskprocessor_queue_depth",
			Help: "Current number of queued jobs per identity processor",
		},
		[]string{"identity_id"},
	)

	TaskJobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_engine_taskprocessor_job_duration_seconds",
			Help:    "Time from job enqueue to terminal result",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"result"}, // ok, recovered, failed
	)

	FanOutLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_engine_fanout_latency_seconds",
			Help:    "Time to submit a message to every target of a FanOut.Send",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	FanOutTargetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_engine_fanout_targets_total",
			Help: "Total number of per-identity sends dispatched by FanOut",
		},
	)

	OneTimeKeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_engine_one_time_keys_remaining",
			Help: "Number of unconsumed one-time keys remaining, by kind",
		},
		[]string{"kind"}, // curve25519, mlkem1024
	)

	KeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_engine_key_rotations_total",
			Help: "Total number of key rotations performed",
		},
		[]string{"trigger"}, // scheduled, compromise
	)

	ControlFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_engine_control_frames_total",
			Help: "Total number of in-band control frames dispatched or handled",
		},
		[]string{"kind", "direction"}, // kind: session_reestablishment/synchronize_one_time_keys, direction: sent/received
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_engine_admin_http_requests_total",
			Help: "Total number of requests served by the admin HTTP surface",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_engine_admin_http_request_duration_seconds",
			Help:    "Admin HTTP surface request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware wraps an admin HTTP handler with request-count and
// latency instrumentation.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRatchetSend/RecordRatchetReceive/RecordDHStep/RecordAuthFailure
// are called directly from internal/ratchet at the points it already
// distinguishes these outcomes.
func RecordRatchetSend()        { RatchetMessagesTotal.WithLabelValues("send").Inc() }
func RecordRatchetReceive()     { RatchetMessagesTotal.WithLabelValues("receive").Inc() }
func RecordDHRatchetStep()      { RatchetDHStepsTotal.Inc() }
func RecordRatchetAuthFailure() { RatchetAuthFailuresTotal.Inc() }

func SetSkippedKeysStashed(n int) { RatchetSkippedKeysStashed.Set(float64(n)) }

func RecordHandshake(role string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	HandshakesTotal.WithLabelValues(role, result).Inc()
}

func SetTaskQueueDepth(identityID string, depth int) {
	TaskQueueDepth.WithLabelValues(identityID).Set(float64(depth))
}

func RecordTaskJobLatency(result string, d time.Duration) {
	TaskJobLatency.WithLabelValues(result).Observe(d.Seconds())
}

func RecordFanOutLatency(d time.Duration, targets int) {
	FanOutLatency.Observe(d.Seconds())
	FanOutTargetsTotal.Add(float64(targets))
}

func SetOneTimeKeysRemaining(kind string, n int) {
	OneTimeKeysRemaining.WithLabelValues(kind).Set(float64(n))
}

func RecordKeyRotation(trigger string) {
	KeyRotationsTotal.WithLabelValues(trigger).Inc()
}

func RecordControlFrame(kind, direction string) {
	ControlFramesTotal.WithLabelValues(kind, direction).Inc()
}
