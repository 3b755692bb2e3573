// Package classifier evaluates fitted scent classifiers exported from the
// training notebooks as JSON: a preprocessing pipeline plus estimator, and
// the label encoder it was fit with.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// Model is a fitted single-row classifier. Predict returns an encoded class
// (an entry of Classes), PredictProba one probability per entry of Classes.
type Model interface {
	Features() []string
	Classes() []int
	Predict(x []float64) (int, error)
	PredictProba(x []float64) ([]float64, error)
}

var ErrMissingValue = errors.New("input contains NaN and the pipeline has no imputer")

type Step struct {
	Type       string    `json:"type"`
	Strategy   string    `json:"strategy,omitempty"`
	Statistics []float64 `json:"statistics,omitempty"`
	Mean       []float64 `json:"mean,omitempty"`
	Scale      []float64 `json:"scale,omitempty"`
}

type Estimator struct {
	Type      string      `json:"type"`
	Coef      [][]float64 `json:"coef,omitempty"`
	Intercept []float64   `json:"intercept,omitempty"`
	Trees     []Tree      `json:"trees,omitempty"`
}

// Tree is a flattened decision tree; a node with Left == -1 is a leaf whose
// Value holds per-class weights.
type Tree struct {
	Feature   []int       `json:"feature"`
	Threshold []float64   `json:"threshold"`
	Left      []int       `json:"left"`
	Right     []int       `json:"right"`
	Value     [][]float64 `json:"value"`
}

// Pipeline is the artifact format: preprocessing steps applied in order,
// then the estimator.
type Pipeline struct {
	FeatureNames []string  `json:"features"`
	ClassLabels  []int     `json:"classes"`
	Steps        []Step    `json:"steps"`
	Estimator    Estimator `json:"estimator"`
}

const (
	StepImputer = "imputer"
	StepScaler  = "scaler"

	EstimatorLogistic = "logistic_regression"
	EstimatorForest   = "random_forest"
)

func Load(path string) (*Pipeline, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	if err := json.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func (p *Pipeline) Features() []string {
	return p.FeatureNames
}

func (p *Pipeline) Classes() []int {
	return p.ClassLabels
}

// Validate checks every array against the feature and class counts so that
// evaluation never indexes out of range.
func (p *Pipeline) Validate() error {
	nf, nc := len(p.FeatureNames), len(p.ClassLabels)
	if nf == 0 {
		return errors.New("features must not be empty")
	}
	if nc < 2 {
		return errors.New("at least two classes required")
	}
	for i, s := range p.Steps {
		switch s.Type {
		case StepImputer:
			if len(s.Statistics) != nf {
				return fmt.Errorf("steps[%d]: imputer has %d statistics for %d features", i, len(s.Statistics), nf)
			}
		case StepScaler:
			if len(s.Mean) != nf || len(s.Scale) != nf {
				return fmt.Errorf("steps[%d]: scaler width does not match %d features", i, nf)
			}
		default:
			return fmt.Errorf("steps[%d]: unknown step %q", i, s.Type)
		}
	}
	est := p.Estimator
	switch est.Type {
	case EstimatorLogistic:
		rows := len(est.Coef)
		if !(rows == nc || (nc == 2 && rows == 1)) {
			return fmt.Errorf("logistic_regression: %d coefficient rows for %d classes", rows, nc)
		}
		if len(est.Intercept) != rows {
			return errors.New("logistic_regression: intercept length mismatch")
		}
		for i, row := range est.Coef {
			if len(row) != nf {
				return fmt.Errorf("logistic_regression: coef[%d] has %d weights for %d features", i, len(row), nf)
			}
		}
	case EstimatorForest:
		if len(est.Trees) == 0 {
			return errors.New("random_forest: no trees")
		}
		for i, t := range est.Trees {
			if err := t.validate(nf, nc); err != nil {
				return fmt.Errorf("random_forest: trees[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown estimator %q", est.Type)
	}
	return nil
}

func (t Tree) validate(nf, nc int) error {
	n := len(t.Feature)
	if n == 0 {
		return errors.New("empty tree")
	}
	if len(t.Threshold) != n || len(t.Left) != n || len(t.Right) != n || len(t.Value) != n {
		return errors.New("node arrays differ in length")
	}
	for i := 0; i < n; i++ {
		if t.Left[i] == -1 {
			if len(t.Value[i]) != nc {
				return fmt.Errorf("leaf %d has %d values for %d classes", i, len(t.Value[i]), nc)
			}
			continue
		}
		if t.Feature[i] < 0 || t.Feature[i] >= nf {
			return fmt.Errorf("node %d splits on feature %d", i, t.Feature[i])
		}
		// Children always follow their parent, which also rules out cycles.
		if t.Left[i] <= i || t.Left[i] >= n || t.Right[i] <= i || t.Right[i] >= n {
			return fmt.Errorf("node %d has invalid children", i)
		}
	}
	return nil
}

func (p *Pipeline) transform(x []float64) ([]float64, error) {
	if len(x) != len(p.FeatureNames) {
		return nil, fmt.Errorf("expected %d features, got %d", len(p.FeatureNames), len(x))
	}
	row := make([]float64, len(x))
	copy(row, x)
	for _, s := range p.Steps {
		switch s.Type {
		case StepImputer:
			for i, v := range row {
				if math.IsNaN(v) {
					row[i] = s.Statistics[i]
				}
			}
		case StepScaler:
			for i := range row {
				scale := s.Scale[i]
				if scale == 0 {
					scale = 1
				}
				row[i] = (row[i] - s.Mean[i]) / scale
			}
		}
	}
	for _, v := range row {
		if math.IsNaN(v) {
			return nil, ErrMissingValue
		}
	}
	return row, nil
}

func (p *Pipeline) PredictProba(x []float64) ([]float64, error) {
	row, err := p.transform(x)
	if err != nil {
		return nil, err
	}
	var proba []float64
	switch p.Estimator.Type {
	case EstimatorLogistic:
		proba = p.logistic(row)
	case EstimatorForest:
		proba = p.forest(row)
	default:
		return nil, fmt.Errorf("unknown estimator %q", p.Estimator.Type)
	}
	for _, v := range proba {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("estimator produced a non-finite probability")
		}
	}
	return proba, nil
}

// Predict returns the class with the highest probability; ties go to the
// lower index.
func (p *Pipeline) Predict(x []float64) (int, error) {
	proba, err := p.PredictProba(x)
	if err != nil {
		return 0, err
	}
	best := 0
	for i, v := range proba {
		if v > proba[best] {
			best = i
		}
	}
	return p.ClassLabels[best], nil
}

func (p *Pipeline) logistic(row []float64) []float64 {
	est := p.Estimator
	scores := make([]float64, len(est.Coef))
	for k, w := range est.Coef {
		s := est.Intercept[k]
		for i, v := range row {
			s += w[i] * v
		}
		scores[k] = s
	}
	if len(scores) == 1 {
		p1 := 1 / (1 + math.Exp(-scores[0]))
		return []float64{1 - p1, p1}
	}
	return softmax(scores)
}

func softmax(scores []float64) []float64 {
	hi := scores[0]
	for _, s := range scores[1:] {
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func (p *Pipeline) forest(row []float64) []float64 {
	nc := len(p.ClassLabels)
	out := make([]float64, nc)
	for _, t := range p.Estimator.Trees {
		leaf := t.Value[t.leaf(row)]
		var total float64
		for _, v := range leaf {
			total += v
		}
		if total <= 0 {
			continue
		}
		for i, v := range leaf {
			out[i] += v / total
		}
	}
	n := float64(len(p.Estimator.Trees))
	for i := range out {
		out[i] /= n
	}
	return out
}

func (t Tree) leaf(row []float64) int {
	node := 0
	for t.Left[node] != -1 {
		if row[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
	}
	return node
}

// Save writes p as an artifact file.
func Save(path string, p *Pipeline) error {
	content, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}
