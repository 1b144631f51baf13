// Package complexity infers the empirical growth class of measured run times.
//
// Each candidate model f(n) is scaled by a single factor, the ratio of the
// mean observation to the mean prediction, with no intercept. The scaled
// predictions are scored by R² against the observations and the best score
// wins, preferring the slower-growing model when scores are within epsilon.
package complexity

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

type Model string

const (
	Constant     Model = "constant"
	Logarithmic  Model = "logarithmic"
	Linear       Model = "linear"
	Linearithmic Model = "linearithmic"
	Quadratic    Model = "quadratic"
	Exponential  Model = "exponential"

	// InsufficientData is reported instead of a fit when too few valid
	// points exist.
	InsufficientData Model = "insufficient_data"
)

type candidate struct {
	model    Model
	notation string
	f        func(n float64) float64
}

// candidates are ordered from slowest to fastest growth; ties resolve to the
// earlier entry.
var candidates = []candidate{
	{Constant, "O(1)", func(float64) float64 { return 1 }},
	{Logarithmic, "O(log n)", math.Log2},
	{Linear, "O(n)", func(n float64) float64 { return n }},
	{Linearithmic, "O(n log n)", func(n float64) float64 { return n * math.Log2(n) }},
	{Quadratic, "O(n²)", func(n float64) float64 { return n * n }},
	{Exponential, "O(2ⁿ)", func(n float64) float64 { return math.Exp2(n) }},
}

// Models lists the candidate models in evaluation order.
func Models() []Model {
	out := make([]Model, len(candidates))
	for i, c := range candidates {
		out[i] = c.model
	}
	return out
}

// Notation returns the Big-O label of m, or "" for unknown models.
func Notation(m Model) string {
	for _, c := range candidates {
		if c.model == m {
			return c.notation
		}
	}
	return ""
}

// Sample is one aggregated measurement: mean time at input size Size.
type Sample struct {
	Size  int
	Value float64
}

// ModelScore is one row of the per-model table. Invalid models (predictions
// overflow or are all zero) carry no score.
type ModelScore struct {
	Model    Model   `json:"model"`
	Notation string  `json:"notation"`
	RSquared float64 `json:"r_squared"`
	Scale    float64 `json:"scale"`
	Valid    bool    `json:"valid"`
}

// Fit is the outcome of inference. Confidence is the winning R² clamped to
// [0,1].
type Fit struct {
	Model      Model        `json:"model"`
	Notation   string       `json:"notation,omitempty"`
	Confidence float64      `json:"confidence"`
	Points     int          `json:"points"`
	Scores     []ModelScore `json:"scores,omitempty"`
}

// Sufficient reports whether f names a real model.
func (f Fit) Sufficient() bool { return f.Model != InsufficientData }

type Engine struct {
	epsilon   float64
	minPoints int
}

// NewEngine returns an engine that treats R² values within epsilon as tied
// and requires at least minPoints valid samples (never fewer than 3).
func NewEngine(epsilon float64, minPoints int) *Engine {
	if epsilon < 0 {
		epsilon = 0
	}
	if minPoints < 3 {
		minPoints = 3
	}
	return &Engine{epsilon: epsilon, minPoints: minPoints}
}

// Fit scores every candidate against samples. Samples with a non-positive
// size or a non-finite or negative value are ignored.
func (e *Engine) Fit(samples []Sample) Fit {
	var ns, ys []float64
	for _, s := range samples {
		if s.Size <= 0 || s.Value < 0 || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		ns = append(ns, float64(s.Size))
		ys = append(ys, s.Value)
	}
	if len(ns) < e.minPoints {
		return Fit{Model: InsufficientData, Points: len(ns)}
	}

	scores := make([]ModelScore, len(candidates))
	best := math.Inf(-1)
	for i, c := range candidates {
		scores[i] = score(c, ns, ys)
		if scores[i].Valid && scores[i].RSquared > best {
			best = scores[i].RSquared
		}
	}

	fit := Fit{Model: InsufficientData, Points: len(ns), Scores: scores}
	for _, s := range scores {
		if s.Valid && s.RSquared >= best-e.epsilon {
			fit.Model = s.Model
			fit.Notation = s.Notation
			fit.Confidence = math.Max(0, math.Min(1, s.RSquared))
			break
		}
	}
	return fit
}

func score(c candidate, ns, ys []float64) ModelScore {
	ms := ModelScore{Model: c.model, Notation: c.notation}

	preds := make([]float64, len(ns))
	for i, n := range ns {
		p := c.f(n)
		if math.IsInf(p, 0) || math.IsNaN(p) {
			return ms
		}
		preds[i] = p
	}
	meanPred := stat.Mean(preds, nil)
	if meanPred == 0 || math.IsInf(meanPred, 0) {
		return ms
	}
	scale := stat.Mean(ys, nil) / meanPred
	if math.IsNaN(scale) || math.IsInf(scale, 0) {
		return ms
	}
	for i := range preds {
		preds[i] *= scale
	}

	ms.Scale = scale
	ms.RSquared = rSquared(preds, ys)
	ms.Valid = !math.IsNaN(ms.RSquared)
	return ms
}

// rSquared is 1 - SSres/SStot. Constant observations have no variance to
// explain: an exact match scores 1, anything else 0.
func rSquared(preds, ys []float64) float64 {
	if stat.Variance(ys, nil) == 0 {
		for i := range ys {
			if preds[i] != ys[i] {
				return 0
			}
		}
		return 1
	}
	return stat.RSquaredFrom(preds, ys, nil)
}
