package normalize

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"scentd/internal/config"
)

// Normalizer maps device field names onto the canonical feature names a
// model tier was trained on. Missing sensors are filled from baselines.
type Normalizer struct {
	aliases   map[string][]string
	baselines map[string]float64
}

// Result is the canonical vector for one tier plus the names that were
// filled from baselines rather than supplied by the device.
type Result struct {
	Names       []string
	Values      []float64
	Substituted map[string]struct{}
}

func New(p config.PipelineConfig) *Normalizer {
	aliases := make(map[string][]string, len(p.Aliases))
	for canonical, list := range p.Aliases {
		lowered := make([]string, 0, len(list))
		for _, a := range list {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				lowered = append(lowered, a)
			}
		}
		aliases[canonical] = lowered
	}
	baselines := make(map[string]float64, len(p.Baselines))
	for k, v := range p.Baselines {
		baselines[k] = v
	}
	return &Normalizer{aliases: aliases, baselines: baselines}
}

// Lookup finds the supplied value for one canonical feature: the canonical
// key first, then its aliases in declaration order, case-insensitively.
// Keys differing only by case resolve to the first in sorted order.
// NaN counts as not supplied.
func (n *Normalizer) Lookup(values map[string]float64, canonical string) (float64, bool) {
	if v, ok := values[canonical]; ok && !math.IsNaN(v) {
		return v, true
	}
	if len(values) == 0 {
		return 0, false
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lower := make(map[string]float64, len(values))
	for _, k := range keys {
		lk := strings.ToLower(k)
		if _, dup := lower[lk]; !dup {
			lower[lk] = values[k]
		}
	}
	if v, ok := lower[strings.ToLower(canonical)]; ok && !math.IsNaN(v) {
		return v, true
	}
	for _, alias := range n.aliases[canonical] {
		if v, ok := lower[alias]; ok && !math.IsNaN(v) {
			return v, true
		}
	}
	return 0, false
}

// Normalize never fails: absent sensors take their baseline and are flagged.
func (n *Normalizer) Normalize(values map[string]float64, names []string) Result {
	res := Result{
		Names:       append([]string(nil), names...),
		Values:      make([]float64, len(names)),
		Substituted: make(map[string]struct{}),
	}
	for i, name := range names {
		if v, ok := n.Lookup(values, name); ok {
			res.Values[i] = v
			continue
		}
		res.Values[i] = n.Baseline(name)
		res.Substituted[name] = struct{}{}
	}
	return res
}

// Baseline is the configured no-scent mean for a feature, NaN when unknown.
func (n *Normalizer) Baseline(name string) float64 {
	if v, ok := n.baselines[name]; ok {
		return v
	}
	return math.NaN()
}

func (n *Normalizer) Supplied(values map[string]float64, names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := n.Lookup(values, name); ok {
			out[name] = struct{}{}
		}
	}
	return out
}

func (r Result) SubstitutedList() []string {
	if len(r.Substituted) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Substituted))
	for k := range r.Substituted {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts RFC3339-ish strings and unix seconds or
// milliseconds, which is what the sensor boards send.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
