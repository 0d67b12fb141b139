package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popup_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "popup_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "popup_in_flight",
		Help: "In-flight HTTP requests",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popup_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popup_decisions_total",
			Help: "Popup decisions by kind",
		}, []string{"kind"},
	)
	PolicyFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popup_policy_fetch_errors_total",
			Help: "Policy fetch failures by tier; the tier is skipped",
		}, []string{"tier"},
	)
	InvalidPolicies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popup_invalid_policies_total",
			Help: "Policies dropped for missing mandatory fields",
		}, []string{"tier"},
	)
	AdSignalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popup_ad_signal_errors_total",
			Help: "Failed advisory ad signals",
		}, []string{"signal"},
	)
	SnapshotApps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "popup_snapshot_apps",
		Help: "Apps with at least one policy in the current snapshot",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight, RequestErrors,
		Decisions, PolicyFetchErrors, InvalidPolicies, AdSignalErrors, SnapshotApps,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
