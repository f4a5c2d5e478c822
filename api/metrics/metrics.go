package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queryweaver_api_build_info",
			Help: "Build information of the QueryWeaver API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryweaver_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryweaver_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queryweaver_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryweaver_pipeline_runs_total",
			Help: "Total number of pipeline runs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryweaver_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	PipelineEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryweaver_pipeline_events_total",
			Help: "Total number of events delivered to callers by type",
		},
		[]string{"type"},
	)

	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryweaver_confirmations_total",
			Help: "Total number of destructive-statement confirmations by outcome",
		},
		[]string{"outcome"},
	)
)

// Observer reports pipeline telemetry to the package's collectors.
type Observer struct{}

var _ pipeline.Observer = Observer{}

func (Observer) RunFinished(kind, outcome string) {
	PipelineRunsTotal.WithLabelValues(kind, outcome).Inc()
}

func (Observer) StageFinished(stage string, d time.Duration) {
	PipelineStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (Observer) EventEmitted(t pipeline.EventType) {
	PipelineEventsTotal.WithLabelValues(string(t)).Inc()
}

func (Observer) ConfirmationResolved(outcome string) {
	ConfirmationsTotal.WithLabelValues(outcome).Inc()
}

// Middleware returns a chi middleware that records HTTP metrics. Requests
// are labeled by their route pattern so that graph and session ids do not
// explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		status := strconv.Itoa(code)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
