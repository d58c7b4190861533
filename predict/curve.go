package predict

import (
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// Phase labels the fermentation stage derived from fit progress.
type Phase string

const (
	PhaseLag          Phase = "lag"
	PhaseExponential  Phase = "exponential"
	PhaseDeceleration Phase = "deceleration"
	PhaseStationary   Phase = "stationary"
	PhaseUnknown      Phase = "unknown"
)

// Config holds the predictor fit parameters.
type Config struct {
	// MinPoints is the series length required before a fit is attempted.
	MinPoints int

	// MaxIterations caps the optimizer when fitting the decay curve.
	MaxIterations int
}

// DefaultConfig returns the fit parameters used in production.
func DefaultConfig() Config {
	return Config{
		MinPoints:     10,
		MaxIterations: 400,
	}
}

// Curve is a fitted exponential decay gravity(t) = F + (I-F)·e^(-k·t), with t
// in hours since the series origin.
type Curve struct {
	Initial float64 // I: gravity at t=0
	Final   float64 // F: asymptotic gravity
	Rate    float64 // k: decay constant, per hour
	Quality float64 // coefficient of determination against the series
}

// Completion is the prediction derived from the current fit.
type Completion struct {
	PredictedFinalGravity   float64
	PredictedInitialGravity float64
	HoursToComplete         float64
	AttenuationPercent      float64
	FitQuality              float64
	DecayRate               float64

	// Degenerate marks a fit whose final gravity is not below its initial
	// gravity. The fit is reported rather than silently accepted, so callers
	// can disregard it.
	Degenerate bool
}

// Predictor accumulates (hours, filtered gravity) pairs for one device and
// maintains the last successful curve fit. Not safe for concurrent use.
type Predictor struct {
	cfg Config

	hours     []float64
	gravities []float64

	curve *Curve
}

// NewPredictor creates a predictor. Missing config fields fall back to
// defaults.
func NewPredictor(cfg Config) *Predictor {
	def := DefaultConfig()
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = def.MinPoints
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	return &Predictor{cfg: cfg}
}

// Observe appends one accepted filtered point to the series.
func (p *Predictor) Observe(hoursElapsed, gravity float64) {
	p.hours = append(p.hours, hoursElapsed)
	p.gravities = append(p.gravities, gravity)
}

// Len returns the accumulated point count.
func (p *Predictor) Len() int {
	return len(p.hours)
}

// Reset discards the series and any fitted curve, for a new batch.
func (p *Predictor) Reset() {
	p.hours = p.hours[:0]
	p.gravities = p.gravities[:0]
	p.curve = nil
}

// Fit replaces the accumulated series with the given one and fits the decay
// model to it. It returns false when the series is shorter than MinPoints or
// the fit fails to converge; on failure the prior fit is left untouched so a
// single bad attempt does not discard stale-but-valid predictions.
func (p *Predictor) Fit(hours, gravities []float64) bool {
	p.hours = append(p.hours[:0], hours...)
	p.gravities = append(p.gravities[:0], gravities...)
	return p.Refit()
}

// Refit fits the decay model to the accumulated series, with the same
// failure semantics as Fit.
func (p *Predictor) Refit() bool {
	if len(p.hours) < p.cfg.MinPoints || len(p.hours) != len(p.gravities) {
		return false
	}
	curve, ok := fitDecay(p.hours, p.gravities, p.cfg.MaxIterations)
	if !ok {
		return false
	}
	p.curve = &curve
	return true
}

// Curve returns the last successful fit, or nil before one exists.
func (p *Predictor) Curve() *Curve {
	return p.curve
}

// Completion derives the completion prediction from the current fit.
// rateThresholdPerDay is the gravity-drop rate (SG per day) below which the
// fermentation counts as done. Returns nil before a successful fit.
func (p *Predictor) Completion(rateThresholdPerDay float64) *Completion {
	if p.curve == nil || rateThresholdPerDay <= 0 {
		return nil
	}
	c := p.curve

	out := &Completion{
		PredictedFinalGravity:   c.Final,
		PredictedInitialGravity: c.Initial,
		FitQuality:              c.Quality,
		DecayRate:               c.Rate,
		Degenerate:              c.Final >= c.Initial,
	}
	if !out.Degenerate && c.Initial > 1.0 {
		out.AttenuationPercent = (c.Initial - c.Final) / (c.Initial - 1.0) * 100
	}

	// Instantaneous drop rate is k(I-F)e^(-kt). Solve for the time it falls
	// to the threshold, relative to the latest observed point.
	now := 0.0
	if n := len(p.hours); n > 0 {
		now = p.hours[n-1]
	}
	perHour := rateThresholdPerDay / 24
	if out.Degenerate || perHour <= 0 {
		return out
	}
	peak := c.Rate * (c.Initial - c.Final)
	currentRate := peak * math.Exp(-c.Rate*now)
	if currentRate <= perHour {
		out.HoursToComplete = 0
		return out
	}
	tDone := math.Log(peak/perHour) / c.Rate
	out.HoursToComplete = math.Max(0, tDone-now)
	return out
}

// Phase classifies the fermentation stage from the current filtered gravity
// and rate. Progress is normalized against the fitted initial/final
// gravities; near zero progress the rate magnitude breaks the tie between
// lag and exponential.
func (p *Predictor) Phase(currentGravity, currentRate float64) Phase {
	if p.curve == nil {
		return PhaseUnknown
	}
	c := p.curve
	span := c.Initial - c.Final
	if span <= 0 {
		return PhaseUnknown
	}

	progress := clamp((c.Initial-currentGravity)/span, 0, 1)

	// A drop faster than 0.001 SG/h is active fermentation regardless of how
	// little progress has accumulated; anything slower at low progress is
	// still lag.
	const activeRate = 0.001

	switch {
	case progress < 0.05:
		if currentRate < -activeRate {
			return PhaseExponential
		}
		return PhaseLag
	case progress < 0.80:
		return PhaseExponential
	case progress < 0.95:
		return PhaseDeceleration
	default:
		return PhaseStationary
	}
}

// fitDecay runs bounded nonlinear least squares on the decay model. The
// parameters are kept inside physically reasonable boxes by a sigmoid
// transform, which makes the unconstrained Nelder-Mead search safe on
// sparse or noisy early data.
func fitDecay(hours, gravities []float64, maxIter int) (Curve, bool) {
	gMin, gMax := minMax(gravities)

	lo := [3]float64{gMax - 0.005, gMin - 0.030, 1e-4}
	hi := [3]float64{gMax + 0.015, gMin, 0.5}

	unpack := func(z []float64) (initial, final, k float64) {
		initial = lo[0] + (hi[0]-lo[0])*sigmoid(z[0])
		final = lo[1] + (hi[1]-lo[1])*sigmoid(z[1])
		k = lo[2] + (hi[2]-lo[2])*sigmoid(z[2])
		return
	}

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			initial, final, k := unpack(z)
			var sse float64
			for i, t := range hours {
				pred := final + (initial-final)*math.Exp(-k*t)
				diff := gravities[i] - pred
				sse += diff * diff
			}
			return sse
		},
	}

	z0 := []float64{
		logit((gMax - lo[0]) / (hi[0] - lo[0])),
		logit((gMin - 0.005 - lo[1]) / (hi[1] - lo[1])),
		logit((0.02 - lo[2]) / (hi[2] - lo[2])),
	}

	settings := &optimize.Settings{MajorIterations: maxIter}
	result, err := optimize.Minimize(problem, z0, settings, &optimize.NelderMead{})
	if err != nil || result == nil || !isFinite(result.X) {
		return Curve{}, false
	}

	initial, final, k := unpack(result.X)

	// Coefficient of determination against the observed series.
	residuals := 0.0
	for i, t := range hours {
		pred := final + (initial-final)*math.Exp(-k*t)
		diff := gravities[i] - pred
		residuals += diff * diff
	}
	mean := stat.Mean(gravities, nil)
	total := 0.0
	for _, g := range gravities {
		diff := g - mean
		total += diff * diff
	}
	quality := 0.0
	if total > 0 {
		quality = 1 - residuals/total
	}
	if math.IsNaN(quality) || math.IsInf(quality, 0) {
		return Curve{}, false
	}

	return Curve{Initial: initial, Final: final, Rate: k, Quality: quality}, true
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func logit(frac float64) float64 {
	frac = clamp(frac, 1e-6, 1-1e-6)
	return math.Log(frac / (1 - frac))
}

func minMax(values []float64) (lo, hi float64) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return
}

func isFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
