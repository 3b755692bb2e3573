package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"slices"
	"sort"

	"scentd/internal/calibrate"
	"scentd/internal/classifier"
	"scentd/internal/config"
	"scentd/internal/features"
	"scentd/internal/model"
	"scentd/internal/normalize"
)

// Tier is one model tier of a pipeline. Model and Encoder are nil when the
// artifacts were not found at load time.
type Tier struct {
	Name     model.Tier
	Config   config.TierConfig
	Engineer *features.Engineer
	Model    classifier.Model
	Encoder  *classifier.LabelEncoder
}

func (t *Tier) Loaded() bool {
	return t != nil && t.Model != nil && t.Encoder != nil
}

type Artifacts struct {
	Model   classifier.Model
	Encoder *classifier.LabelEncoder
}

// Pipeline is an immutable, versioned inference pipeline. The only mutable
// state it touches is the Debouncer handed to Infer.
type Pipeline struct {
	Version      string
	cfg          config.PipelineConfig
	normalizer   *normalize.Normalizer
	calibrator   *calibrate.Calibrator
	full         *Tier
	reduced      *Tier
	knownSensors []string
}

type InferOptions struct {
	// Debouncer is nil when debouncing is off for this call.
	Debouncer    *Debouncer
	FeaturesUsed bool
}

// LoadPipeline loads the model artifacts of both tiers relative to baseDir.
// Missing artifact files leave the tier unloaded; any other load error,
// including a feature schema mismatch, fails the whole pipeline.
func LoadPipeline(version string, p config.PipelineConfig, baseDir string, logger *slog.Logger) (*Pipeline, error) {
	arts := make(map[model.Tier]Artifacts, 2)
	tiers := []struct {
		name model.Tier
		cfg  config.TierConfig
	}{
		{model.TierFull, p.Full},
		{model.TierReduced, p.Reduced},
	}
	for _, t := range tiers {
		if !t.cfg.Enabled() {
			continue
		}
		a, err := loadArtifacts(t.cfg, baseDir)
		if errors.Is(err, fs.ErrNotExist) {
			if logger != nil {
				logger.Warn("model artifacts not found, tier disabled",
					"pipeline", version,
					"tier", t.name,
					"error", err,
				)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline %s %s tier: %w", version, t.name, err)
		}
		arts[t.name] = a
	}
	return NewPipeline(version, p, arts)
}

func loadArtifacts(t config.TierConfig, baseDir string) (Artifacts, error) {
	m, err := classifier.Load(config.ResolveFrom(baseDir, t.Model))
	if err != nil {
		return Artifacts{}, err
	}
	enc, err := classifier.LoadEncoder(config.ResolveFrom(baseDir, t.Encoder))
	if err != nil {
		return Artifacts{}, err
	}
	return Artifacts{Model: m, Encoder: enc}, nil
}

// NewPipeline assembles a pipeline from already loaded artifacts and checks
// that each model was fit on exactly the engineered column order.
func NewPipeline(version string, p config.PipelineConfig, arts map[model.Tier]Artifacts) (*Pipeline, error) {
	if err := config.ValidatePipeline(p); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", version, err)
	}
	pl := &Pipeline{
		Version:    version,
		cfg:        p,
		normalizer: normalize.New(p),
		calibrator: calibrate.New(p.Calibration),
	}
	var err error
	if pl.full, err = newTier(model.TierFull, p.Full, arts); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", version, err)
	}
	if p.Reduced.Enabled() {
		if pl.reduced, err = newTier(model.TierReduced, p.Reduced, arts); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", version, err)
		}
	}
	known := append([]string(nil), p.Full.Sensors...)
	for _, s := range p.Reduced.Sensors {
		if !slices.Contains(known, s) {
			known = append(known, s)
		}
	}
	pl.knownSensors = known
	return pl, nil
}

func newTier(name model.Tier, cfg config.TierConfig, arts map[model.Tier]Artifacts) (*Tier, error) {
	t := &Tier{Name: name, Config: cfg, Engineer: features.NewEngineer(cfg)}
	a, ok := arts[name]
	if !ok || a.Model == nil || a.Encoder == nil {
		return t, nil
	}
	want := t.Engineer.Names()
	if got := a.Model.Features(); !slices.Equal(got, want) {
		return nil, fmt.Errorf("%s model features %v do not match engineered features %v", name, got, want)
	}
	if err := a.Encoder.CheckPairing(a.Model); err != nil {
		return nil, fmt.Errorf("%s label encoder: %w", name, err)
	}
	t.Model = a.Model
	t.Encoder = a.Encoder
	return t, nil
}

func (p *Pipeline) Config() config.PipelineConfig {
	return p.cfg
}

func (p *Pipeline) BaselineLabel() string {
	return p.cfg.BaselineLabel
}

func (p *Pipeline) DebounceEnabled() bool {
	return p.cfg.Debounce
}

func (p *Pipeline) Loaded() map[model.Tier]bool {
	out := map[model.Tier]bool{model.TierFull: p.full.Loaded()}
	if p.reduced != nil {
		out[model.TierReduced] = p.reduced.Loaded()
	}
	return out
}

// Infer runs normalize, calibrate, engineer, select, classify and debounce
// for one reading.
func (p *Pipeline) Infer(values map[string]float64, opts InferOptions) (model.Prediction, error) {
	tier, err := p.selectTier(values)
	if err != nil {
		return model.Prediction{}, err
	}

	norm := p.normalizer.Normalize(values, tier.Config.Sensors)
	calibrated := p.calibrator.Apply(norm.Names, norm.Values)
	vec, err := engineer(tier, calibrated)
	if err != nil {
		return model.Prediction{}, err
	}
	res, err := classify(tier, vec)
	if err != nil {
		return model.Prediction{}, err
	}

	pred := model.Prediction{
		PredictedScent:   res.label,
		Confidence:       res.confidence,
		TopPredictions:   res.top,
		AllProbabilities: res.all,
		ModelTier:        tier.Name,
		PipelineVersion:  p.Version,
		Substituted:      norm.SubstitutedList(),
	}
	if opts.FeaturesUsed {
		pred.FeaturesUsed = vec.Map()
	}
	if p.cfg.Debounce && opts.Debouncer != nil {
		if _, override := opts.Debouncer.Observe(res.label, p.cfg.BaselineLabel); override {
			applyOverride(&pred, p.cfg.BaselineLabel)
		}
	}
	return pred, nil
}

func engineer(t *Tier, values []float64) (vec features.Vector, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorf(KindPredictionFailure, "feature engineering panic: %v", r)
		}
	}()
	vec, err = t.Engineer.Build(values)
	if err != nil {
		return vec, newError(KindPredictionFailure, err)
	}
	return vec, nil
}

func applyOverride(pred *model.Prediction, baseline string) {
	all := make(map[string]float64, len(pred.AllProbabilities)+1)
	for label := range pred.AllProbabilities {
		all[label] = 0
	}
	all[baseline] = 1
	pred.RawScent = pred.PredictedScent
	pred.PredictedScent = baseline
	pred.Confidence = 1.0
	pred.TopPredictions = []model.RankedScent{{Scent: baseline, Confidence: 1.0}}
	pred.AllProbabilities = all
	pred.Debounced = true
}

func (p *Pipeline) Sensors() []string {
	out := append([]string(nil), p.knownSensors...)
	sort.Strings(out)
	return out
}

func finiteValues(values map[string]float64) map[string]float64 {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]float64, len(values))
	for k, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	return out
}
