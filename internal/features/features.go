package features

import (
	"fmt"
	"math"

	"scentd/internal/config"
)

// Vector is an ordered, named row of feature values. Order matches the
// column order the classifier was fit against.
type Vector struct {
	Names  []string
	Values []float64
}

func (v Vector) Len() int {
	return len(v.Values)
}

// Get returns the value for name.
func (v Vector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Map returns the finite values keyed by name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.Values))
	for i, n := range v.Names {
		if x := v.Values[i]; !math.IsNaN(x) && !math.IsInf(x, 0) {
			out[n] = x
		}
	}
	return out
}

// Engineer appends a tier's derived features to its calibrated sensor vector.
type Engineer struct {
	sensors []string
	derived []config.DerivedFeature
	index   map[string]int
}

func NewEngineer(tier config.TierConfig) *Engineer {
	index := make(map[string]int, len(tier.Sensors))
	for i, s := range tier.Sensors {
		index[s] = i
	}
	return &Engineer{
		sensors: append([]string(nil), tier.Sensors...),
		derived: append([]config.DerivedFeature(nil), tier.Derived...),
		index:   index,
	}
}

// Names is the engineered column order: sensors, then derived features.
func (e *Engineer) Names() []string {
	out := make([]string, 0, len(e.sensors)+len(e.derived))
	out = append(out, e.sensors...)
	for _, d := range e.derived {
		out = append(out, d.Name)
	}
	return out
}

// Build expects values in sensor order. Infinite results become NaN.
func (e *Engineer) Build(values []float64) (Vector, error) {
	if len(values) != len(e.sensors) {
		return Vector{}, fmt.Errorf("expected %d sensor values, got %d", len(e.sensors), len(values))
	}
	out := Vector{
		Names:  e.Names(),
		Values: make([]float64, 0, len(e.sensors)+len(e.derived)),
	}
	out.Values = append(out.Values, values...)
	for _, d := range e.derived {
		in := make([]float64, len(d.Inputs))
		for i, name := range d.Inputs {
			idx, ok := e.index[name]
			if !ok {
				return Vector{}, fmt.Errorf("derived feature %s: unknown input %s", d.Name, name)
			}
			in[i] = values[idx]
		}
		v, err := compute(d, in)
		if err != nil {
			return Vector{}, fmt.Errorf("derived feature %s: %w", d.Name, err)
		}
		out.Values = append(out.Values, finite(v))
	}
	return out, nil
}

func compute(d config.DerivedFeature, in []float64) (float64, error) {
	switch d.Kind {
	case config.KindRatio:
		return Ratio(in[0], in[1]), nil
	case config.KindBalance:
		return Balance(in[0], in[1]), nil
	case config.KindInteraction:
		return in[0] * in[1] * d.Scale, nil
	case config.KindStd:
		return Std(in), nil
	case config.KindDominance:
		return Dominance(in), nil
	case config.KindNormalized:
		return (in[0] - d.Mean) / (d.Std + 1), nil
	}
	return 0, fmt.Errorf("unknown kind %q", d.Kind)
}

func Ratio(a, b float64) float64 {
	return a / (b + 1)
}

func Balance(a, b float64) float64 {
	return (a - b) / (a + b + 1)
}

// Std is the population standard deviation.
func Std(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// Dominance is max / (mean + 1).
func Dominance(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	hi := xs[0]
	for _, x := range xs[1:] {
		if x > hi {
			hi = x
		}
	}
	return hi / (mean(xs) + 1)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}
