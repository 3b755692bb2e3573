package engine

import (
	"path/filepath"
	"testing"

	"scentd/internal/classifier"
	"scentd/internal/config"
	"scentd/internal/history"
	"scentd/internal/latest"
)

var testLabels = []string{"cinnamon", "gingerbread", "norange", "vanilla", "no_scent"}

const (
	classCinnamon = 0
	classVanilla  = 3
)

func testPipelineConfig() config.PipelineConfig {
	four := []string{"NO2", "ethanol", "VOC_multichannel", "COandH2"}
	return config.PipelineConfig{
		Description:   "test",
		BaselineLabel: "no_scent",
		Debounce:      true,
		Aliases: map[string][]string{
			"srawVoc":          {"voc_raw"},
			"srawNox":          {"nox_raw"},
			"NO2":              {"no2"},
			"ethanol":          {"eth"},
			"VOC_multichannel": {"voc"},
			"COandH2":          {"co_h2"},
		},
		Baselines: map[string]float64{
			"srawVoc": 30500, "srawNox": 14000, "NO2": 250,
			"ethanol": 300, "VOC_multichannel": 400, "COandH2": 700,
		},
		Calibration: map[string]config.CalibrationRule{
			"NO2":              {Scale: 1.1, Offset: -5},
			"ethanol":          {Scale: 0.9, Offset: 12},
			"VOC_multichannel": {Scale: 1.05, Offset: 0},
		},
		Selection: config.SelectionConfig{
			MinFullSensors:    4,
			RequiredPair:      []string{"srawVoc", "srawNox"},
			MaxReducedSensors: 2,
		},
		Full: config.TierConfig{
			Sensors: []string{"srawVoc", "srawNox", "NO2", "ethanol", "VOC_multichannel", "COandH2"},
			Derived: []config.DerivedFeature{
				{Name: "voc_ratio", Kind: config.KindRatio, Inputs: []string{"VOC_multichannel", "srawVoc"}},
				{Name: "ethanol_voc_ratio", Kind: config.KindRatio, Inputs: []string{"ethanol", "VOC_multichannel"}},
				{Name: "no2_co_balance", Kind: config.KindBalance, Inputs: []string{"NO2", "COandH2"}},
				{Name: "voc_ethanol_interaction", Kind: config.KindInteraction, Inputs: []string{"VOC_multichannel", "ethanol"}, Scale: 0.001},
				{Name: "chemical_diversity", Kind: config.KindStd, Inputs: four},
				{Name: "gas_dominance", Kind: config.KindDominance, Inputs: four},
			},
			Model:   "full.model.json",
			Encoder: "full.encoder.json",
		},
		Reduced: config.TierConfig{
			Sensors: []string{"VOC_multichannel", "NO2"},
			Model:   "reduced.model.json",
			Encoder: "reduced.encoder.json",
		},
	}
}

// no2Model is a logistic model whose vanilla score grows with NO2 and whose
// cinnamon score shrinks with it, so the sign of calibrated NO2 picks the
// label.
func no2Model(names []string) *classifier.Pipeline {
	nf := len(names)
	coef := make([][]float64, len(testLabels))
	for i := range coef {
		coef[i] = make([]float64, nf)
	}
	for i, n := range names {
		if n == "NO2" {
			coef[classVanilla][i] = 0.01
			coef[classCinnamon][i] = -0.01
		}
	}
	classes := make([]int, len(testLabels))
	for i := range classes {
		classes[i] = i
	}
	return &classifier.Pipeline{
		FeatureNames: names,
		ClassLabels:  classes,
		Steps:        []classifier.Step{{Type: classifier.StepImputer, Strategy: "mean", Statistics: make([]float64, nf)}},
		Estimator: classifier.Estimator{
			Type:      classifier.EstimatorLogistic,
			Coef:      coef,
			Intercept: make([]float64, len(testLabels)),
		},
	}
}

func writeTier(t *testing.T, dir string, tier config.TierConfig) {
	t.Helper()
	if err := classifier.Save(filepath.Join(dir, tier.Model), no2Model(tier.FeatureNames())); err != nil {
		t.Fatalf("save model: %v", err)
	}
	if err := classifier.SaveEncoder(filepath.Join(dir, tier.Encoder), &classifier.LabelEncoder{Labels: testLabels}); err != nil {
		t.Fatalf("save encoder: %v", err)
	}
}

func testConfig(t *testing.T, withFull, withReduced bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	pc := testPipelineConfig()
	if withFull {
		writeTier(t, dir, pc.Full)
	}
	if withReduced {
		writeTier(t, dir, pc.Reduced)
	}
	cfg := config.DefaultConfig()
	cfg.Pipeline = "v3"
	cfg.Pipelines = map[string]config.PipelineConfig{"v3": pc}
	cfg.BaseDir = dir
	cfg.Diagnostics.FeaturesUsed = true
	cfg.Diagnostics.MissingSensorWarnEvery = 0
	return cfg
}

func newEngineForTest(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg, nil, latest.NewStore(100), history.NewStore(100), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func sixSensorReading() map[string]float64 {
	return map[string]float64{
		"voc": 854, "no2": 808, "ethanol": 808, "co_h2": 652, "voc_raw": 30444, "nox_raw": 13949,
	}
}
