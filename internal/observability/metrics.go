package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances (tests, embedded
// engines) never collide on registration. A nil *Metrics is a no-op.
type Metrics struct {
	registry          *prometheus.Registry
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	predictions       *prometheus.CounterVec
	failures          *prometheus.CounterVec
	debounceOverrides prometheus.Counter
	inferDuration     *prometheus.HistogramVec
	ingested          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	duplicates        prometheus.Counter
	tierLoaded        *prometheus.GaugeVec
	publishErrors     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scent_predictions_total",
			Help: "Predictions emitted by pipeline version, model tier and label.",
		}, []string{"pipeline", "tier", "scent"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scent_prediction_failures_total",
			Help: "Failed inferences by error kind.",
		}, []string{"kind"}),
		debounceOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scent_debounce_overrides_total",
			Help: "Predictions replaced by the baseline label after a repeated run.",
		}),
		inferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scent_inference_duration_seconds",
			Help:    "Time spent in the inference pipeline by tier.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"tier"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scent_readings_ingested_total",
			Help: "Readings accepted by source.",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scent_readings_dropped_total",
			Help: "Readings rejected or dropped by source and reason.",
		}, []string{"source", "reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scent_readings_duplicate_total",
			Help: "Redelivered readings skipped by the dedupe window.",
		}),
		tierLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scent_model_loaded",
			Help: "Whether a model tier of the active pipeline is loaded (1) or not (0).",
		}, []string{"pipeline", "tier"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scent_sink_errors_total",
			Help: "Errors publishing records to sinks and stores.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.predictions,
		m.failures,
		m.debounceOverrides,
		m.inferDuration,
		m.ingested,
		m.dropped,
		m.duplicates,
		m.tierLoaded,
		m.publishErrors,
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the instrumented handler.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Prediction(pipeline, tier, scent string, debounced bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(pipeline, tier, scent).Inc()
	m.inferDuration.WithLabelValues(tier).Observe(duration.Seconds())
	if debounced {
		m.debounceOverrides.Inc()
	}
}

func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Ingested(source string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source).Inc()
}

func (m *Metrics) Dropped(source, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) SetTierLoaded(pipeline, tier string, loaded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if loaded {
		v = 1
	}
	m.tierLoaded.WithLabelValues(pipeline, tier).Set(v)
}

func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(sink).Inc()
}
