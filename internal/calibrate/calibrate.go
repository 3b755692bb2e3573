// Package calibrate applies per-sensor affine corrections that map one
// device's readings onto the distribution the classifiers were trained on.
package calibrate

import (
	"math"

	"scentd/internal/config"
)

type Calibrator struct {
	rules map[string]config.CalibrationRule
}

func New(rules map[string]config.CalibrationRule) *Calibrator {
	copied := make(map[string]config.CalibrationRule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Calibrator{rules: copied}
}

// Apply returns a calibrated copy of values; names[i] labels values[i].
// NaN values and features without a rule pass through unchanged.
func (c *Calibrator) Apply(names []string, values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	if c == nil || len(c.rules) == 0 {
		return out
	}
	for i, name := range names {
		if i >= len(out) {
			break
		}
		rule, ok := c.rules[name]
		if !ok || math.IsNaN(out[i]) {
			continue
		}
		out[i] = out[i]*rule.Scale + rule.Offset
	}
	return out
}

// Rule reports the rule for a feature, if any.
func (c *Calibrator) Rule(name string) (config.CalibrationRule, bool) {
	if c == nil {
		return config.CalibrationRule{}, false
	}
	r, ok := c.rules[name]
	return r, ok
}
