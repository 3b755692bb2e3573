package engine

import (
	"math"
	"sort"

	"scentd/internal/features"
	"scentd/internal/model"
)

const topK = 3

type classification struct {
	label      string
	confidence float64
	top        []model.RankedScent
	all        map[string]float64
}

func classify(t *Tier, vec features.Vector) (res classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorf(KindPredictionFailure, "classifier panic: %v", r)
		}
	}()

	class, err := t.Model.Predict(vec.Values)
	if err != nil {
		return res, newError(KindPredictionFailure, err)
	}
	proba, err := t.Model.PredictProba(vec.Values)
	if err != nil {
		return res, newError(KindPredictionFailure, err)
	}
	classes := t.Model.Classes()
	if len(proba) != len(classes) {
		return res, errorf(KindPredictionFailure, "model returned %d probabilities for %d classes", len(proba), len(classes))
	}

	pos := -1
	for i, c := range classes {
		if c == class {
			pos = i
			break
		}
	}
	if pos < 0 {
		return res, errorf(KindPredictionFailure, "predicted class %d is not among the model classes", class)
	}

	labels := make([]string, len(classes))
	res.all = make(map[string]float64, len(classes))
	for i, c := range classes {
		p := proba[i]
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return res, errorf(KindPredictionFailure, "non-finite probability for class %d", c)
		}
		label, err := t.Encoder.Decode(c)
		if err != nil {
			return res, newError(KindPredictionFailure, err)
		}
		labels[i] = label
		res.all[label] = p
	}
	res.label = labels[pos]
	res.confidence = clamp01(proba[pos])
	res.top = rank(labels, proba, topK)
	return res, nil
}

func rank(labels []string, proba []float64, k int) []model.RankedScent {
	idx := make([]int, len(proba))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return proba[idx[a]] > proba[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]model.RankedScent, 0, k)
	for _, i := range idx[:k] {
		out = append(out, model.RankedScent{Scent: labels[i], Confidence: proba[i]})
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
