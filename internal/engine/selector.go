package engine

import (
	"errors"

	"scentd/internal/model"
)

func (p *Pipeline) selectTier(values map[string]float64) (*Tier, error) {
	sel := p.cfg.Selection
	fullSupplied := p.normalizer.Supplied(values, p.full.Config.Sensors)
	count := len(fullSupplied)

	pair := len(sel.RequiredPair) > 0
	for _, name := range sel.RequiredPair {
		if _, ok := fullSupplied[name]; !ok {
			pair = false
			break
		}
	}
	if count >= sel.MinFullSensors || pair {
		return p.requireFull()
	}

	if p.reduced != nil && count <= sel.MaxReducedSensors && p.reducedShape(values) {
		if p.reduced.Loaded() {
			return p.reduced, nil
		}
		return nil, errorf(KindInsufficientSensors,
			"only %v supplied and the reduced model is not loaded", p.reduced.Config.Sensors)
	}
	if count == 0 {
		return nil, newError(KindInsufficientSensors, errors.New("no known sensor values supplied"))
	}
	return p.requireFull()
}

func (p *Pipeline) requireFull() (*Tier, error) {
	if !p.full.Loaded() {
		return nil, errorf(KindModelUnavailable, "%s model for pipeline %s is not loaded", model.TierFull, p.Version)
	}
	return p.full, nil
}

func (p *Pipeline) reducedShape(values map[string]float64) bool {
	reduced := p.reduced.Config.Sensors
	supplied := p.normalizer.Supplied(values, p.knownSensors)
	if len(supplied) != len(reduced) {
		return false
	}
	for _, name := range reduced {
		if _, ok := supplied[name]; !ok {
			return false
		}
	}
	return true
}
