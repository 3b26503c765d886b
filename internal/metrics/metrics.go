package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_requests_total",
			Help: "Total number of completion requests processed",
		},
		[]string{"provider_index", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrelay_request_duration_seconds",
			Help:    "Completion request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider_index", "model"},
	)

	CatalogRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelrelay_catalog_refreshes_total",
			Help: "Total number of catalog fan-out rounds",
		},
	)

	CatalogModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelrelay_catalog_models",
			Help: "Number of models in the current aggregated catalog",
		},
	)

	CatalogFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_catalog_fetch_errors_total",
			Help: "Total number of per-provider catalog fetch failures",
		},
		[]string{"provider_index"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_upstream_errors_total",
			Help: "Total number of upstream completion errors",
		},
		[]string{"provider_index", "error_type"},
	)

	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_tool_executions_total",
			Help: "Total number of integration tool executions",
		},
		[]string{"action", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrelay_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"action"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelrelay_active_streams",
			Help: "Number of active SSE relay connections",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"caller_id"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider_index"},
	)
)

func RecordRequest(providerIndex int, model, status string, durationSec float64) {
	idx := strconv.Itoa(providerIndex)
	RequestsTotal.WithLabelValues(idx, model, status).Inc()
	RequestDuration.WithLabelValues(idx, model).Observe(durationSec)
}

func RecordCatalogRefresh(modelCount int) {
	CatalogRefreshesTotal.Inc()
	CatalogModels.Set(float64(modelCount))
}

func RecordCatalogFetchError(providerIndex int) {
	CatalogFetchErrors.WithLabelValues(strconv.Itoa(providerIndex)).Inc()
}

func RecordUpstreamError(providerIndex int, errorType string) {
	UpstreamErrors.WithLabelValues(strconv.Itoa(providerIndex), errorType).Inc()
}

func RecordToolExecution(action, status string, durationSec float64) {
	ToolExecutionsTotal.WithLabelValues(action, status).Inc()
	ToolExecutionDuration.WithLabelValues(action).Observe(durationSec)
}

func IncActiveStreams() {
	ActiveStreams.Inc()
}

func DecActiveStreams() {
	ActiveStreams.Dec()
}

func RecordRateLimitHit(callerID string) {
	RateLimitHits.WithLabelValues(callerID).Inc()
}

func SetCircuitBreakerState(providerIndex int, state int) {
	CircuitBreakerState.WithLabelValues(strconv.Itoa(providerIndex)).Set(float64(state))
}
