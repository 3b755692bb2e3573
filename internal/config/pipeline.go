package config

import (
	"errors"
	"fmt"
)

// PipelineConfig is one versioned inference pipeline: naming, defaults,
// calibration, feature schema and model artifacts, all as data.
type PipelineConfig struct {
	Description   string                     `json:"description" yaml:"description"`
	BaselineLabel string                     `json:"baseline_label" yaml:"baseline_label"`
	Debounce      bool                       `json:"debounce" yaml:"debounce"`
	Aliases       map[string][]string        `json:"aliases" yaml:"aliases"`
	Baselines     map[string]float64         `json:"baselines" yaml:"baselines"`
	Calibration   map[string]CalibrationRule `json:"calibration" yaml:"calibration"`
	Selection     SelectionConfig            `json:"selection" yaml:"selection"`
	Full          TierConfig                 `json:"full" yaml:"full"`
	Reduced       TierConfig                 `json:"reduced" yaml:"reduced"`
}

type CalibrationRule struct {
	Scale  float64 `json:"scale" yaml:"scale"`
	Offset float64 `json:"offset" yaml:"offset"`
}

type SelectionConfig struct {
	MinFullSensors    int      `json:"min_full_sensors" yaml:"min_full_sensors"`
	RequiredPair      []string `json:"required_pair" yaml:"required_pair"`
	MaxReducedSensors int      `json:"max_reduced_sensors" yaml:"max_reduced_sensors"`
}

type TierConfig struct {
	Sensors []string         `json:"sensors" yaml:"sensors"`
	Derived []DerivedFeature `json:"derived" yaml:"derived"`
	Model   string           `json:"model" yaml:"model"`
	Encoder string           `json:"encoder" yaml:"encoder"`
}

// Enabled reports whether the tier is configured at all.
func (t TierConfig) Enabled() bool {
	return len(t.Sensors) > 0
}

// FeatureNames is the engineered column order the tier's model was fit against.
func (t TierConfig) FeatureNames() []string {
	out := make([]string, 0, len(t.Sensors)+len(t.Derived))
	out = append(out, t.Sensors...)
	for _, d := range t.Derived {
		out = append(out, d.Name)
	}
	return out
}

const (
	KindRatio       = "ratio"
	KindBalance     = "balance"
	KindInteraction = "interaction"
	KindStd         = "std"
	KindDominance   = "dominance"
	KindNormalized  = "normalized"
)

type DerivedFeature struct {
	Name   string   `json:"name" yaml:"name"`
	Kind   string   `json:"kind" yaml:"kind"`
	Inputs []string `json:"inputs" yaml:"inputs"`
	Scale  float64  `json:"scale,omitempty" yaml:"scale,omitempty"`
	Mean   float64  `json:"mean,omitempty" yaml:"mean,omitempty"`
	Std    float64  `json:"std,omitempty" yaml:"std,omitempty"`
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.BaselineLabel == "" {
		p.BaselineLabel = "no_scent"
	}
	if p.Selection.MinFullSensors <= 0 {
		p.Selection.MinFullSensors = 4
	}
	if p.Selection.MaxReducedSensors <= 0 {
		p.Selection.MaxReducedSensors = 2
	}
	for i := range p.Full.Derived {
		if p.Full.Derived[i].Kind == KindInteraction && p.Full.Derived[i].Scale == 0 {
			p.Full.Derived[i].Scale = 1
		}
	}
	for i := range p.Reduced.Derived {
		if p.Reduced.Derived[i].Kind == KindInteraction && p.Reduced.Derived[i].Scale == 0 {
			p.Reduced.Derived[i].Scale = 1
		}
	}
}

func ValidatePipeline(p PipelineConfig) error {
	if !p.Full.Enabled() {
		return errors.New("full.sensors must not be empty")
	}
	if err := validateTier("full", p.Full); err != nil {
		return err
	}
	if p.Reduced.Enabled() {
		if err := validateTier("reduced", p.Reduced); err != nil {
			return err
		}
	}
	known := make(map[string]struct{})
	for _, s := range p.Full.Sensors {
		known[s] = struct{}{}
	}
	for _, s := range p.Reduced.Sensors {
		known[s] = struct{}{}
	}
	for s := range known {
		if _, ok := p.Baselines[s]; !ok {
			return fmt.Errorf("baselines.%s missing", s)
		}
	}
	for name := range p.Calibration {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("calibration.%s is not a tier sensor", name)
		}
	}
	for name := range p.Aliases {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("aliases.%s is not a tier sensor", name)
		}
	}
	for _, s := range p.Selection.RequiredPair {
		if !contains(p.Full.Sensors, s) {
			return fmt.Errorf("selection.required_pair: %s is not a full sensor", s)
		}
	}
	return nil
}

func validateTier(tier string, t TierConfig) error {
	if t.Model == "" || t.Encoder == "" {
		return fmt.Errorf("%s.model and %s.encoder are required", tier, tier)
	}
	seen := make(map[string]struct{}, len(t.Sensors)+len(t.Derived))
	for _, s := range t.Sensors {
		if s == "" {
			return fmt.Errorf("%s.sensors contains an empty name", tier)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%s.sensors: duplicate %s", tier, s)
		}
		seen[s] = struct{}{}
	}
	for _, d := range t.Derived {
		if d.Name == "" {
			return fmt.Errorf("%s.derived: feature without name", tier)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%s.derived: duplicate %s", tier, d.Name)
		}
		seen[d.Name] = struct{}{}
		for _, in := range d.Inputs {
			if !contains(t.Sensors, in) {
				return fmt.Errorf("%s.derived.%s: input %s is not a %s sensor", tier, d.Name, in, tier)
			}
		}
		if err := validateArity(d); err != nil {
			return fmt.Errorf("%s.derived.%s: %w", tier, d.Name, err)
		}
	}
	return nil
}

func validateArity(d DerivedFeature) error {
	n := len(d.Inputs)
	switch d.Kind {
	case KindRatio, KindBalance, KindInteraction:
		if n != 2 {
			return fmt.Errorf("%s takes 2 inputs, got %d", d.Kind, n)
		}
	case KindStd, KindDominance:
		if n < 2 {
			return fmt.Errorf("%s takes at least 2 inputs, got %d", d.Kind, n)
		}
	case KindNormalized:
		if n != 1 {
			return fmt.Errorf("normalized takes 1 input, got %d", n)
		}
		if d.Std < 0 {
			return errors.New("normalized std must be >= 0")
		}
	default:
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
