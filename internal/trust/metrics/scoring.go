package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Scorer derives a dimension score from a raw observation. ok=false means the
// value has a shape the scorer does not understand.
type Scorer interface {
	Score(value any) (score float64, ok bool)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(value any) (float64, bool)

// Score implements Scorer.
func (f ScorerFunc) Score(value any) (float64, bool) { return f(value) }

// Numeric passes numeric observations through unchanged.
type Numeric struct{}

// Score implements Scorer.
func (Numeric) Score(value any) (float64, bool) { return toFloat(value) }

// Field extracts a numeric field from a structured observation.
type Field struct {
	Name string
}

// Score implements Scorer.
func (f Field) Score(value any) (float64, bool) {
	switch m := value.(type) {
	case map[string]any:
		v, ok := m[f.Name]
		if !ok {
			return 0, false
		}
		return toFloat(v)
	case map[string]float64:
		v, ok := m[f.Name]
		return v, ok
	}
	return 0, false
}

// Inverse scores a numeric observation as 1-v, for dimensions where a higher
// raw value means less trust (risk, violation rate).
type Inverse struct{}

// Score implements Scorer.
func (Inverse) Score(value any) (float64, bool) {
	v, ok := toFloat(value)
	if !ok {
		return 0, false
	}
	return 1 - v, true
}

// defaultScorer accepts a plain number or a structure carrying a "score" field.
var defaultScorer = ScorerFunc(func(value any) (float64, bool) {
	if s, ok := (Numeric{}).Score(value); ok {
		return s, true
	}
	return Field{Name: "score"}.Score(value)
})

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// clamp bounds a score to [0,1]. NaN scores as 0.
func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// validScorerSpec reports whether spec has one of the accepted forms:
// "numeric", "field:<name>" or "plugin:<name>".
func validScorerSpec(spec string) bool {
	if spec == "numeric" {
		return true
	}
	kind, name, ok := strings.Cut(spec, ":")
	return ok && name != "" && (kind == "field" || kind == "plugin")
}

// compileScorers resolves the configured specs into Scorers. Plugins must
// already be registered, either through WithPlugin or RegisterPlugin.
func compileScorers(specs map[string]string, plugins map[string]Scorer) (map[string]Scorer, error) {
	out := make(map[string]Scorer, len(specs))
	for dim, spec := range specs {
		kind, name, _ := strings.Cut(spec, ":")
		switch kind {
		case "numeric":
			out[dim] = Numeric{}
		case "field":
			out[dim] = Field{Name: name}
		case "plugin":
			p, ok := plugins[name]
			if !ok {
				return nil, fmt.Errorf("dimension %q: scoring plugin %q is not registered", dim, name)
			}
			out[dim] = p
		default:
			return nil, fmt.Errorf("dimension %q: unknown scorer %q", dim, spec)
		}
	}
	return out, nil
}
