package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.ActionsSubmitted.Inc()
	prom.Metrics.ActionsFailed.Inc()
	prom.Metrics.TickFailed.Inc()
	prom.Metrics.Rebalances.Inc()
	prom.Metrics.StopLosses.Inc()
	prom.Metrics.TakeProfits.Inc()
	prom.Metrics.FailureLocks.Inc()

	assertCounter(t, prom.actionsSubmitted, 1)
	assertCounter(t, prom.actionsFailed, 1)
	assertCounter(t, prom.tickFailed, 1)
	assertCounter(t, prom.rebalances, 1)
	assertCounter(t, prom.stopLosses, 1)
	assertCounter(t, prom.takeProfits, 1)
	assertCounter(t, prom.failureLocks, 1)
}

func TestPrometheusStateGaugeIsExclusive(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.State.Set("IDLE")
	prom.Metrics.State.Set("ACTIVE")

	if got := testutil.ToFloat64(prom.state.WithLabelValues("IDLE")); got != 0 {
		t.Fatalf("expected IDLE cleared, got %v", got)
	}
	if got := testutil.ToFloat64(prom.state.WithLabelValues("ACTIVE")); got != 1 {
		t.Fatalf("expected ACTIVE set, got %v", got)
	}
}

func TestPrometheusReasonsAndGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Reasons.Inc("in_range")
	prom.Metrics.Reasons.Inc("in_range")
	prom.Metrics.Anchor.Set(100)
	prom.Metrics.RebalanceDue.Set(1)

	assertCounter(t, prom.reasons.WithLabelValues("in_range"), 2)
	if got := testutil.ToFloat64(prom.anchor); got != 100 {
		t.Fatalf("expected anchor 100, got %v", got)
	}
	if got := testutil.ToFloat64(prom.rebalanceDue); got != 1 {
		t.Fatalf("expected rebalance due 1, got %v", got)
	}
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.TickFailed.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clmm_lp_bot_tick_failed_total 1") {
		t.Fatalf("expected tick counter in output")
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	m.ActionsSubmitted.Inc()
	m.State.Set("IDLE")
	m.Reasons.Inc("idle")
	m.Anchor.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
