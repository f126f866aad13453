package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルに一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordSourceFetch_AddsItemsAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSourceFetch("trending", 7, 20*time.Millisecond)
	c.RecordSourceFetch("trending", 3, 10*time.Millisecond)

	items := findMetric(t, reg, "reelfeed_source_items_total", map[string]string{"category": "trending"})
	if got := items.GetCounter().GetValue(); got != 10 {
		t.Errorf("source_items_total = %v, want 10", got)
	}
	latency := findMetric(t, reg, "reelfeed_source_latency_seconds", map[string]string{"category": "trending"})
	if got := latency.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("source_latency sample count = %d, want 2", got)
	}
}

func TestRecordSourceFailure_LabelsReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSourceFailure("following", "circuit_open")

	m := findMetric(t, reg, "reelfeed_source_fail_total", map[string]string{"category": "following", "reason": "circuit_open"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("source_fail_total = %v, want 1", got)
	}
}

func TestRecordPageServed_SplitsHitAndMiss(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPageServed(true, 5)
	c.RecordPageServed(true, 5)
	c.RecordPageServed(false, 0)

	hit := findMetric(t, reg, "reelfeed_pages_served_total", map[string]string{"cache": "hit"})
	if got := hit.GetCounter().GetValue(); got != 2 {
		t.Errorf("hit = %v, want 2", got)
	}
	miss := findMetric(t, reg, "reelfeed_pages_served_total", map[string]string{"cache": "miss"})
	if got := miss.GetCounter().GetValue(); got != 1 {
		t.Errorf("miss = %v, want 1", got)
	}
}

func TestRecordViewOutcome_IncrementsByState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordViewOutcome("accepted")
	c.RecordViewOutcome("rejected")
	c.RecordViewOutcome("rejected")

	m := findMetric(t, reg, "reelfeed_view_outcomes_total", map[string]string{"state": "rejected"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
}

func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(429)
	c.RecordHTTPStatus(200)

	m := findMetric(t, reg, "reelfeed_http_status_total", map[string]string{"status_code": "200"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("status 200 = %v, want 2", got)
	}
}

func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordComposition("first", 5*time.Millisecond)
	c.RecordReconcile("confirmed")
	c.RecordPrefetch("done")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{
		"reelfeed_compose_latency_seconds",
		"reelfeed_ledger_reconcile_total",
		"reelfeed_prefetch_tasks_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("response should contain %s", name)
		}
	}
}

func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	var _ MetricsCollector = (*Collector)(nil)
	var _ MetricsCollector = Nop{}
}

func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordViewOutcome("accepted")

	m := findMetric(t, reg1, "reelfeed_view_outcomes_total", map[string]string{"state": "accepted"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("reg1 accepted = %v, want 1", got)
	}
	families, err := reg2.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "reelfeed_view_outcomes_total" && len(mf.GetMetric()) != 0 {
			t.Error("reg2 should not observe reg1's counters")
		}
	}
}
