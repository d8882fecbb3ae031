// Package metrics holds the stable catalog of EnergyManager metrics
// and translates decoded readings into typed samples. The catalog is
// fixed at build time; device firmware drift shows up as unknown keys,
// never as a mapping failure.
package metrics

import (
	"math"
	"sort"
	"strconv"
	"time"

	"solarwatt-bridge/internal/energymanager"
)

// Sample is one typed metric value. Valid is false when the device did
// not report the metric this cycle; Value is then meaningless and must
// not be presented as zero. Text is set instead of Value for textual
// state metrics such as the converter mode.
type Sample struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Text      string    `json:"text,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Valid     bool      `json:"valid"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry resolves reading keys against the metric catalog.
type Registry struct {
	defs  []Definition
	byKey map[string]Definition
}

// NewRegistry builds a registry from a catalog. Definition order is
// preserved and becomes the sample order of every mapping.
func NewRegistry(defs []Definition) *Registry {
	byKey := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byKey[d.Key] = d
	}
	return &Registry{defs: defs, byKey: byKey}
}

// DefaultRegistry returns a registry over the built-in catalog.
func DefaultRegistry() *Registry {
	return NewRegistry(Catalog())
}

// Definitions returns the catalog in order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Lookup returns the definition for a key.
func (r *Registry) Lookup(key string) (Definition, bool) {
	d, ok := r.byKey[key]
	return d, ok
}

// Map translates a reading into one sample per catalog entry, in
// catalog order. Catalog keys missing from the reading produce
// explicit unavailable samples. Reading keys absent from the catalog
// are returned sorted as unknown keys; they never fail the mapping.
func (r *Registry) Map(reading *energymanager.Reading) ([]Sample, []string) {
	samples := make([]Sample, 0, len(r.defs))
	for _, def := range r.defs {
		samples = append(samples, r.sample(def, reading))
	}

	var unknown []string
	for key, v := range reading.Values {
		if !v.Numeric {
			continue
		}
		if _, ok := r.byKey[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return samples, unknown
}

func (r *Registry) sample(def Definition, reading *energymanager.Reading) Sample {
	s := Sample{Key: def.Key, Unit: def.Unit, Timestamp: reading.Taken}

	if def.Text {
		v, ok := reading.Values[def.Key]
		if !ok {
			return s
		}
		if v.Numeric {
			s.Text = strconv.FormatFloat(v.Number, 'f', -1, 64)
		} else {
			s.Text = v.Text
		}
		s.Valid = true
		return s
	}

	var raw float64
	if def.Net != [2]string{} {
		a, okA := reading.Values[def.Net[0]]
		b, okB := reading.Values[def.Net[1]]
		if !okA || !okB || !a.Numeric || !b.Numeric {
			return s
		}
		raw = a.Number - b.Number
	} else {
		v, ok := reading.Values[def.Key]
		if !ok || !v.Numeric {
			return s
		}
		raw = v.Number
	}

	scale := def.Scale
	if scale == 0 {
		scale = 1
	}
	s.Value = round(raw*scale, def.Precision)
	s.Valid = true
	return s
}

func round(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}
