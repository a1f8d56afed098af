package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jackpot_build_info",
			Help: "Build information of the jackpot service",
		},
		[]string{"version"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jackpot_operations_total",
			Help: "Total number of pot operations by result code",
		},
		[]string{"operation", "code"}, // code is "ok" on success
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jackpot_operation_duration_seconds",
			Help:    "Duration of pot operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"operation"},
	)

	DepositedLamportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jackpot_deposited_lamports_total",
			Help: "Total lamports deposited into the pot",
		},
	)

	PaidOutLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jackpot_paid_out_lamports_total",
			Help: "Total lamports paid out of the pot by recipient role",
		},
		[]string{"role"},
	)

	WithdrawnLamportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jackpot_withdrawn_lamports_total",
			Help: "Total lamports drained by administrative withdrawal",
		},
	)

	RoundsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jackpot_rounds_settled_total",
			Help: "Total number of concluded rounds by outcome",
		},
		[]string{"outcome"},
	)

	StoreConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jackpot_store_conflicts_total",
			Help: "Serialization conflicts retried by the store",
		},
		[]string{"store"},
	)

	CrankActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jackpot_crank_actions_total",
			Help: "Actions submitted by the round keeper",
		},
		[]string{"action", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jackpot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jackpot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jackpot_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// RecordOperation records the outcome of one pot operation. code is the
// pot error code, empty on success.
func RecordOperation(operation, code string, duration time.Duration) {
	if code == "" {
		code = "ok"
	}
	OperationsTotal.WithLabelValues(operation, code).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
