package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
pipeline: v1
pipelines:
  v1:
    aliases:
      NO2: [no2]
    baselines: {NO2: 250, VOC_multichannel: 400}
    full:
      sensors: [NO2, VOC_multichannel]
      derived:
        - {name: mix, kind: interaction, inputs: [NO2, VOC_multichannel]}
      model: models/full.json
      encoder: models/labels.json
`

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Debounce.Mode != DebouncePersistent || cfg.Debounce.Threshold != 3 {
		t.Fatalf("debounce defaults: %+v", cfg.Debounce)
	}
	if cfg.API.Addr != ":8001" || cfg.Ingest.REST.Addr != ":5001" {
		t.Fatalf("listener defaults: api=%q rest=%q", cfg.API.Addr, cfg.Ingest.REST.Addr)
	}
	version, p := cfg.Active()
	if version != "v1" || p.BaselineLabel != "no_scent" {
		t.Fatalf("active pipeline: %s %+v", version, p)
	}
	if p.Selection.MinFullSensors != 4 || p.Selection.MaxReducedSensors != 2 {
		t.Fatalf("selection defaults: %+v", p.Selection)
	}
	if p.Full.Derived[0].Scale != 1 {
		t.Fatalf("interaction scale default: %v", p.Full.Derived[0].Scale)
	}
	if got := strings.Join(p.Full.FeatureNames(), ","); got != "NO2,VOC_multichannel,mix" {
		t.Fatalf("feature names: %s", got)
	}
	if p.Reduced.Enabled() {
		t.Fatalf("reduced tier should be disabled")
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"pipeline":"a","debounce":{"mode":"per_call"},"pipelines":{"a":{
		"baselines":{"NO2":1},
		"full":{"sensors":["NO2"],"model":"m.json","encoder":"e.json"}}}}`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Debounce.Mode != DebouncePerCall || cfg.Debounce.Threshold != 3 {
		t.Fatalf("debounce: %+v", cfg.Debounce)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"unknown pipeline": `pipeline: v9` + minimalYAML[len("\npipeline: v1"):],
		"bad mode":         minimalYAML + "debounce: {mode: sometimes}\n",
		"bad qos":          minimalYAML + "publish: {qos: 3}\n",
		"emitter channel":  minimalYAML + "emitters: {channels: 2, scents: {vanilla: {channel: 5}}}\n",
		"kafka":            minimalYAML + "ingest: {kafka: {enabled: true}}\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidatePipeline(t *testing.T) {
	base := func() PipelineConfig {
		return PipelineConfig{
			Baselines: map[string]float64{"a": 1, "b": 2},
			Full:      TierConfig{Sensors: []string{"a", "b"}, Model: "m", Encoder: "e"},
		}
	}
	if err := ValidatePipeline(base()); err != nil {
		t.Fatalf("valid pipeline rejected: %v", err)
	}

	cases := map[string]func(p *PipelineConfig){
		"no full":         func(p *PipelineConfig) { p.Full.Sensors = nil },
		"no model":        func(p *PipelineConfig) { p.Full.Model = "" },
		"duplicate":       func(p *PipelineConfig) { p.Full.Sensors = []string{"a", "a"} },
		"missing default": func(p *PipelineConfig) { delete(p.Baselines, "b") },
		"stray rule":      func(p *PipelineConfig) { p.Calibration = map[string]CalibrationRule{"z": {Scale: 1}} },
		"stray alias":     func(p *PipelineConfig) { p.Aliases = map[string][]string{"z": {"zz"}} },
		"pair":            func(p *PipelineConfig) { p.Selection.RequiredPair = []string{"a", "z"} },
		"ratio arity": func(p *PipelineConfig) {
			p.Full.Derived = []DerivedFeature{{Name: "r", Kind: KindRatio, Inputs: []string{"a"}}}
		},
		"std arity": func(p *PipelineConfig) {
			p.Full.Derived = []DerivedFeature{{Name: "s", Kind: KindStd, Inputs: []string{"a"}}}
		},
		"unknown kind": func(p *PipelineConfig) {
			p.Full.Derived = []DerivedFeature{{Name: "x", Kind: "cube", Inputs: []string{"a"}}}
		},
		"foreign input": func(p *PipelineConfig) {
			p.Full.Derived = []DerivedFeature{{Name: "n", Kind: KindNormalized, Inputs: []string{"z"}}}
		},
		"name clash": func(p *PipelineConfig) {
			p.Full.Derived = []DerivedFeature{{Name: "a", Kind: KindNormalized, Inputs: []string{"b"}}}
		},
	}
	for name, mutate := range cases {
		p := base()
		mutate(&p)
		if err := ValidatePipeline(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SCENTD_LOG_LEVEL", "debug")
	t.Setenv("SCENTD_KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("SCENTD_MQTT_PASSWORD", "secret")
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.MQTT.Password != "secret" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.Ingest.Kafka.Brokers) != 2 || cfg.Ingest.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers: %v", cfg.Ingest.Kafka.Brokers)
	}
}

func TestWithPipeline(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := cfg.WithPipeline("v2"); err == nil {
		t.Fatalf("expected error for unknown version")
	}
	next, err := cfg.WithPipeline("v1")
	if err != nil || next == cfg || next.Pipeline != "v1" {
		t.Fatalf("with pipeline: %v %v", next, err)
	}
}

func TestManagerReloadAndSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scentd.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().BaseDir != dir {
		t.Fatalf("base dir %q, want %q", m.Get().BaseDir, dir)
	}
	if needs, err := m.NeedsReload(); err != nil || needs {
		t.Fatalf("fresh manager needs reload: %v %v", needs, err)
	}

	if err := m.Set(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	bad := *m.Get()
	bad.Pipeline = "v7"
	if err := m.Set(&bad); err == nil {
		t.Fatalf("expected validation error")
	}
	good := *m.Get()
	good.LogLevel = "warn"
	if err := m.Set(&good); err != nil || m.Get().LogLevel != "warn" {
		t.Fatalf("set: %v", err)
	}

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if needs, _ := m.NeedsReload(); !needs {
		t.Fatalf("expected reload after file change")
	}
	cfg, err := m.Reload()
	if err != nil || cfg.LogLevel != "info" || m.Get().LogLevel != "info" {
		t.Fatalf("reload should replace in-memory changes: %v", err)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "scentd.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	for _, v := range []string{"v1", "v2", "v3"} {
		if _, ok := cfg.Pipelines[v]; !ok {
			t.Fatalf("pipeline %s missing", v)
		}
	}
	_, p := cfg.Active()
	if !p.Debounce || len(p.Full.FeatureNames()) != 12 || !p.Reduced.Enabled() {
		t.Fatalf("v3 shape: %+v", p)
	}
	if cfg.Pipelines["v1"].Debounce || cfg.Pipelines["v1"].Reduced.Enabled() {
		t.Fatalf("v1 should be full-only without debounce")
	}
	if cfg.Diagnostics.MissingSensorWarnEvery != time.Minute {
		t.Fatalf("duration: %v", cfg.Diagnostics.MissingSensorWarnEvery)
	}
	if len(cfg.Emitters.Scents) != 4 {
		t.Fatalf("emitters: %v", cfg.Emitters.Scents)
	}
}
