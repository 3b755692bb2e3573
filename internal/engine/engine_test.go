package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"scentd/internal/config"
	"scentd/internal/model"
)

func TestFullSensorReading(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	rec, err := eng.Predict(context.Background(), model.Reading{DeviceID: "esp32-1", Values: sixSensorReading()})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	pred := rec.Prediction
	if pred == nil || pred.ModelTier != model.TierFull {
		t.Fatalf("expected full tier, got %+v", rec)
	}
	if len(pred.FeaturesUsed) != 12 {
		t.Fatalf("expected 12 engineered features, got %d", len(pred.FeaturesUsed))
	}
	if got := pred.FeaturesUsed["NO2"]; math.Abs(got-(808*1.1-5)) > 1e-9 {
		t.Fatalf("NO2 not calibrated: %v", got)
	}
	if got := pred.FeaturesUsed["srawVoc"]; got != 30444 {
		t.Fatalf("srawVoc should pass through, got %v", got)
	}
	if pred.PredictedScent != "vanilla" {
		t.Fatalf("expected vanilla, got %s", pred.PredictedScent)
	}
	if len(pred.TopPredictions) != 3 {
		t.Fatalf("expected top 3, got %d", len(pred.TopPredictions))
	}
	if !sort.SliceIsSorted(pred.TopPredictions, func(i, j int) bool {
		return pred.TopPredictions[i].Confidence > pred.TopPredictions[j].Confidence
	}) {
		t.Fatalf("top predictions not sorted: %+v", pred.TopPredictions)
	}
	var sum float64
	for _, p := range pred.AllProbabilities {
		sum += p
	}
	if len(pred.AllProbabilities) != len(testLabels) || math.Abs(sum-1) > 1e-9 {
		t.Fatalf("bad probability map %v", pred.AllProbabilities)
	}
	if pred.Confidence != pred.AllProbabilities["vanilla"] {
		t.Fatalf("confidence %v != p(vanilla) %v", pred.Confidence, pred.AllProbabilities["vanilla"])
	}
	if len(pred.Substituted) != 0 {
		t.Fatalf("nothing should be substituted: %v", pred.Substituted)
	}
	if rec.Emitter == nil || len(rec.Emitter) != 8 {
		t.Fatalf("expected emitter control map, got %v", rec.Emitter)
	}
}

func TestReducedReadingUsesReducedModel(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	rec, err := eng.Predict(context.Background(), model.Reading{Values: map[string]float64{"voc": 521, "no2": 242}})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if rec.Prediction.ModelTier != model.TierReduced {
		t.Fatalf("expected reduced tier, got %s", rec.Prediction.ModelTier)
	}
	if len(rec.Prediction.FeaturesUsed) != 2 {
		t.Fatalf("expected 2 features, got %v", rec.Prediction.FeaturesUsed)
	}
}

func TestReducedReadingWithoutReducedModel(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, false))
	rec, err := eng.Predict(context.Background(), model.Reading{Values: map[string]float64{"voc": 521, "no2": 242}})
	if KindOf(err) != KindInsufficientSensors {
		t.Fatalf("expected InsufficientSensors, got %v", err)
	}
	if rec.Failure == nil || rec.Failure.PredictedScent != model.FailureLabel || rec.Failure.Confidence != 0 {
		t.Fatalf("unexpected failure record %+v", rec.Failure)
	}
}

func TestFullModelMissing(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, false, true))
	_, err := eng.Predict(context.Background(), model.Reading{Values: sixSensorReading()})
	if KindOf(err) != KindModelUnavailable {
		t.Fatalf("expected ModelUnavailable, got %v", err)
	}
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected *Error")
	}
}

func TestNoKnownSensors(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	_, err := eng.Predict(context.Background(), model.Reading{Values: map[string]float64{"temperature": 21, "no2": math.NaN()}})
	if KindOf(err) != KindInsufficientSensors {
		t.Fatalf("expected InsufficientSensors, got %v", err)
	}
}

func TestPartialReadingFallsBackToFull(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	rec, err := eng.Predict(context.Background(), model.Reading{Values: map[string]float64{"no2": 808, "ethanol": 400, "co_h2": 600}})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if rec.Prediction.ModelTier != model.TierFull {
		t.Fatalf("expected full tier, got %s", rec.Prediction.ModelTier)
	}
	want := []string{"VOC_multichannel", "srawNox", "srawVoc"}
	got := rec.Prediction.Substituted
	if len(got) != len(want) {
		t.Fatalf("substituted %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("substituted %v, want %v", got, want)
		}
	}
}

func TestRequiredPairSelectsFull(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	rec, err := eng.Predict(context.Background(), model.Reading{Values: map[string]float64{"voc_raw": 30000, "nox_raw": 14000}})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if rec.Prediction.ModelTier != model.TierFull {
		t.Fatalf("expected full tier, got %s", rec.Prediction.ModelTier)
	}
}

func TestDebounceOverridesThirdIdenticalPrediction(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	ctx := context.Background()
	reading := model.Reading{Values: sixSensorReading()}
	for i := 1; i <= 5; i++ {
		rec, err := eng.Predict(ctx, reading)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		pred := rec.Prediction
		if i < 3 {
			if pred.PredictedScent != "vanilla" || pred.Debounced {
				t.Fatalf("call %d: expected raw vanilla, got %+v", i, pred)
			}
			continue
		}
		if pred.PredictedScent != "no_scent" || pred.Confidence != 1.0 || !pred.Debounced {
			t.Fatalf("call %d: expected baseline override, got %+v", i, pred)
		}
		if len(pred.TopPredictions) != 1 || pred.TopPredictions[0].Scent != "no_scent" {
			t.Fatalf("call %d: expected single top entry, got %+v", i, pred.TopPredictions)
		}
		if pred.AllProbabilities["no_scent"] != 1 || pred.AllProbabilities["vanilla"] != 0 {
			t.Fatalf("call %d: bad probability map %v", i, pred.AllProbabilities)
		}
		if pred.RawScent != "vanilla" {
			t.Fatalf("call %d: raw scent %q", i, pred.RawScent)
		}
	}
	if st := eng.Debouncer().State(); st.Count != 5 || st.LastLabel != "vanilla" {
		t.Fatalf("unexpected state %+v", st)
	}

	// a different label restarts the run
	other := map[string]float64{"voc": 854, "no2": -100, "ethanol": 808, "co_h2": 652, "voc_raw": 30444, "nox_raw": 13949}
	rec, err := eng.Predict(ctx, model.Reading{Values: other})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if rec.Prediction.PredictedScent != "cinnamon" || rec.Prediction.Debounced {
		t.Fatalf("expected raw cinnamon, got %+v", rec.Prediction)
	}
	if st := eng.Debouncer().State(); st.Count != 1 || st.LastLabel != "cinnamon" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestResetClearsDebounce(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = eng.Predict(ctx, model.Reading{Values: sixSensorReading()})
	}
	eng.Reset()
	rec, _ := eng.Predict(ctx, model.Reading{Values: sixSensorReading()})
	if rec.Prediction.Debounced {
		t.Fatalf("reset should restart the run")
	}
}

func TestPerCallDebounceNeverEngages(t *testing.T) {
	cfg := testConfig(t, true, true)
	cfg.Debounce.Mode = config.DebouncePerCall
	eng := newEngineForTest(t, cfg)
	for i := 0; i < 4; i++ {
		rec, err := eng.Predict(context.Background(), model.Reading{Values: sixSensorReading()})
		if err != nil || rec.Prediction.Debounced {
			t.Fatalf("call %d: %+v %v", i, rec.Prediction, err)
		}
	}
}

func TestPipelineWithoutDebounce(t *testing.T) {
	cfg := testConfig(t, true, true)
	pc := cfg.Pipelines["v3"]
	pc.Debounce = false
	cfg.Pipelines["v3"] = pc
	eng := newEngineForTest(t, cfg)
	for i := 0; i < 4; i++ {
		rec, _ := eng.Predict(context.Background(), model.Reading{Values: sixSensorReading()})
		if rec.Prediction.Debounced {
			t.Fatalf("call %d debounced", i)
		}
	}
}

func TestSchemaMismatchRejectedAtLoad(t *testing.T) {
	cfg := testConfig(t, true, true)
	pc := cfg.Pipelines["v3"]
	pc.Full.Derived[0], pc.Full.Derived[1] = pc.Full.Derived[1], pc.Full.Derived[0]
	cfg.Pipelines["v3"] = pc
	if _, err := NewEngine(cfg, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected feature order mismatch error")
	}
}

func TestUpdateConfigKeepsDebounceState(t *testing.T) {
	cfg := testConfig(t, true, true)
	eng := newEngineForTest(t, cfg)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = eng.Predict(ctx, model.Reading{Values: sixSensorReading()})
	}
	if err := eng.UpdateConfig(cfg); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := eng.Predict(ctx, model.Reading{Values: sixSensorReading()})
	if !rec.Prediction.Debounced {
		t.Fatalf("debounce state lost on reload")
	}

	broken := *cfg
	broken.BaseDir = t.TempDir()
	if err := eng.UpdateConfig(&broken); err != nil {
		t.Fatalf("missing artifacts should disable the tier, got %v", err)
	}
	if eng.Status().Tiers[model.TierFull] {
		t.Fatalf("full tier should be unloaded after reload from empty dir")
	}
}

type captureSink struct {
	mu   sync.Mutex
	recs []model.Record
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Publish(_ context.Context, rec model.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func TestProcessFansOutAndDedupes(t *testing.T) {
	cfg := testConfig(t, true, true)
	cfg.Ingest.DedupeWindow = time.Minute
	eng := newEngineForTest(t, cfg)
	sink := &captureSink{}
	eng.AddSink(sink)

	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	r := model.Reading{DeviceID: "esp32-7", Timestamp: ts, Values: map[string]float64{"voc": 521, "no2": 242}, Source: "mqtt"}
	rec, ok := eng.Process(context.Background(), r)
	if !ok || rec.ID == "" {
		t.Fatalf("first delivery not processed")
	}
	if _, ok := eng.Process(context.Background(), r); ok {
		t.Fatalf("redelivery should be skipped")
	}
	if len(sink.recs) != 1 {
		t.Fatalf("sink got %d records", len(sink.recs))
	}
	if got, _, ok := eng.latest.Get("esp32-7"); !ok || got.ID != rec.ID {
		t.Fatalf("latest store not updated")
	}
	if eng.history.Len() != 1 {
		t.Fatalf("history not updated")
	}
	if !rec.Timestamp.Equal(ts) {
		t.Fatalf("device timestamp not kept: %v", rec.Timestamp)
	}
}

func TestStartConsumesChannel(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	sink := &captureSink{}
	eng.AddSink(sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.Reading, 1)
	eng.Start(ctx, in)
	in <- model.Reading{DeviceID: "d", Values: sixSensorReading()}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.recs)
		sink.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("reading not processed")
}

func TestStartStopsWhenChannelCloses(t *testing.T) {
	eng := newEngineForTest(t, testConfig(t, true, true))
	sink := &captureSink{}
	eng.AddSink(sink)
	in := make(chan model.Reading)
	eng.Start(context.Background(), in)
	close(in)
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	n := len(sink.recs)
	sink.mu.Unlock()
	if n != 0 || eng.Status().Processed != 0 {
		t.Fatalf("closed channel produced %d records", n)
	}
}
