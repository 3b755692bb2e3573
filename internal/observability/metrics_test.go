package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.Prediction("v3", "full", "vanilla", true, 2*time.Millisecond)
	m.Failure("InsufficientSensors")
	m.SetTierLoaded("v3", "reduced", false)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`scent_predictions_total{pipeline="v3",scent="vanilla",tier="full"} 1`,
		`scent_prediction_failures_total{kind="InsufficientSensors"} 1`,
		`scent_debounce_overrides_total 1`,
		`scent_model_loaded{pipeline="v3",tier="reduced"} 0`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}

func TestWrapHandlerCountsStatus(t *testing.T) {
	m := NewMetrics()
	h := m.WrapHandler("/predict", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rec.Code)
	}
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "http_requests_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("http_requests_total not gathered")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Prediction("v3", "full", "x", false, 0)
	m.Failure("x")
	if m.WrapHandler("/", http.NotFoundHandler()) == nil {
		t.Fatalf("expected passthrough handler")
	}
}
