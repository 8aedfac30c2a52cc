package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the license server's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "licensor",
			Name:      "orders_total",
			Help:      "Orders created, by result.",
		},
		[]string{"result"},
	)

	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "licensor",
			Name:      "confirmations_total",
			Help:      "Payment confirmations, by result.",
		},
		[]string{"result"},
	)

	statusQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "licensor",
			Name:      "status_queries_total",
			Help:      "License status lookups, by effective plan.",
		},
		[]string{"plan"},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "licensor",
			Name:      "gateway_request_duration_seconds",
			Help:      "Duration of payment gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"gateway", "op"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "licensor",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "licensor",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		orders,
		confirmations,
		statusQueries,
		gatewayDuration,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordOrder(result string)        { orders.WithLabelValues(result).Inc() }
func RecordConfirmation(result string) { confirmations.WithLabelValues(result).Inc() }
func RecordStatusQuery(plan string)    { statusQueries.WithLabelValues(plan).Inc() }

// ObserveGateway records how long a gateway call took.
func ObserveGateway(gateway, op string, start time.Time) {
	gatewayDuration.WithLabelValues(gateway, op).Observe(time.Since(start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Instrument wraps next with request count and latency collection under
// the fixed route label.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
