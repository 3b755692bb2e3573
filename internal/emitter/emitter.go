// Package emitter turns a prediction into per-channel intensities for the
// scent emitter board.
package emitter

import (
	"math"
	"strconv"
	"strings"

	"scentd/internal/config"
)

const maxIntensity = 255

type Mapper struct {
	channels     int
	minIntensity int
	scents       map[string]config.EmitterChannel
}

func NewMapper(cfg config.EmitterConfig) *Mapper {
	channels := cfg.Channels
	if channels <= 0 {
		channels = 8
	}
	scents := make(map[string]config.EmitterChannel, len(cfg.Scents))
	for name, ch := range cfg.Scents {
		scents[strings.ToLower(name)] = ch
	}
	return &Mapper{channels: channels, minIntensity: cfg.MinIntensity, scents: scents}
}

// Off returns a control map with every channel at 0.
func (m *Mapper) Off() map[string]int {
	out := make(map[string]int, m.channels)
	for i := 0; i < m.channels; i++ {
		out[strconv.Itoa(i)] = 0
	}
	return out
}

// Map drives the scent's channel at its base intensity scaled by
// confidence, never below the configured floor. Scents without a channel,
// including the baseline label, leave every channel off.
func (m *Mapper) Map(scent string, confidence float64) map[string]int {
	out := m.Off()
	ch, ok := m.scents[strings.ToLower(scent)]
	if !ok || ch.Channel < 0 || ch.Channel >= m.channels {
		return out
	}
	if math.IsNaN(confidence) {
		confidence = 0
	}
	level := int(math.Round(float64(ch.Intensity) * confidence))
	if level < m.minIntensity {
		level = m.minIntensity
	}
	if level > maxIntensity {
		level = maxIntensity
	}
	out[strconv.Itoa(ch.Channel)] = level
	return out
}
