package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
}

// NewMetrics registers the gateway metrics on reg. The client and blocked
// gauges read straight from stats on every scrape.
func NewMetrics(reg prometheus.Registerer, stats gateway.StatsSource) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketgate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bucketgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketgate_decisions_total",
				Help: "Admission decisions by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketgate_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"route", "policy"},
		),
	}

	clients := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bucketgate_tracked_clients",
			Help: "Distinct client keys holding a bucket",
		},
		func() float64 { return float64(stats.Stats().TotalClients) },
	)
	blocked := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "bucketgate_blocked_requests",
			Help: "Requests denied since process start",
		},
		func() float64 { return float64(stats.Stats().BlockedRequests) },
	)

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.RateLimited, clients, blocked)
	return m
}

// ObserveDecision is a gateway.DecisionHook.
func (m *Metrics) ObserveDecision(routeID, policyID string, dec ratelimit.Decision) {
	outcome := "allowed"
	if !dec.Allowed {
		outcome = "denied"
		m.RateLimited.WithLabelValues(routeID, policyID).Inc()
	}
	m.Decisions.WithLabelValues(policyID, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics. It must run inside
// gateway.RouteMatcher to see the matched route.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			method := r.Method
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
		})
	}
}
