package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest(2, "gpt-4", "success", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("2", "gpt-4", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordCatalogFetchError(t *testing.T) {
	CatalogFetchErrors.Reset()

	RecordCatalogFetchError(0)
	RecordCatalogFetchError(0)
	RecordCatalogFetchError(1)

	if got := testutil.ToFloat64(CatalogFetchErrors.WithLabelValues("0")); got != 2 {
		t.Errorf("provider 0 fetch errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(CatalogFetchErrors.WithLabelValues("1")); got != 1 {
		t.Errorf("provider 1 fetch errors = %v, want 1", got)
	}
}

func TestRecordCatalogRefresh(t *testing.T) {
	RecordCatalogRefresh(42)

	if got := testutil.ToFloat64(CatalogModels); got != 42 {
		t.Errorf("CatalogModels = %v, want 42", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	ToolExecutionsTotal.Reset()

	RecordToolExecution("search", "success", 0.2)
	RecordToolExecution("search", "error", 0.1)

	if got := testutil.ToFloat64(ToolExecutionsTotal.WithLabelValues("search", "success")); got != 1 {
		t.Errorf("success executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ToolExecutionsTotal.WithLabelValues("search", "error")); got != 1 {
		t.Errorf("error executions = %v, want 1", got)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	SetCircuitBreakerState(0, 2)

	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("0")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
}

func TestActiveStreamsGauge(t *testing.T) {
	ActiveStreams.Set(0)

	ActiveStreams.Inc()
	ActiveStreams.Inc()
	ActiveStreams.Dec()

	if got := testutil.ToFloat64(ActiveStreams); got != 1 {
		t.Errorf("ActiveStreams = %v, want 1", got)
	}
}
