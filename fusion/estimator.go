package fusion

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Estimator tracks gravity, gravity rate, temperature and temperature rate
// for a single device using a constant-velocity Kalman filter. Measurement
// noise is inflated per sample based on received signal quality, so weak
// transmissions pull the estimate less than strong ones.
type Estimator struct {
	cfg Config

	// State vector [gravity, gravity_rate, temperature, temperature_rate]
	// and its error covariance.
	x *mat.VecDense
	p *mat.Dense

	initialized bool
}

// Config holds the filter noise parameters. Zero values are replaced by
// DefaultConfig values in New.
type Config struct {
	// Process noise spectral densities (per axis, continuous white-noise
	// acceleration model).
	ProcessNoiseGravity     float64
	ProcessNoiseTemperature float64

	// Base measurement noise variances, scaled up per sample by signal
	// quality.
	MeasurementNoiseGravity     float64
	MeasurementNoiseTemperature float64

	// Signal-quality scaling: at StrongSignal or better the multiplier is 1,
	// at WeakSignal or worse it is MaxNoiseMultiplier, linear in between.
	StrongSignal       float64
	WeakSignal         float64
	MaxNoiseMultiplier float64

	// ConfidenceStd is the posterior gravity standard deviation at which
	// reported confidence reaches zero.
	ConfidenceStd float64

	// MinElapsedHours floors the time step so the transition matrix never
	// degenerates on duplicate timestamps.
	MinElapsedHours float64

	// Initial covariance diagonal after New or Reset.
	InitialGravityVariance     float64
	InitialRateVariance        float64
	InitialTemperatureVariance float64
	InitialTempRateVariance    float64
}

// Estimate is the filtered output for one device at one instant.
type Estimate struct {
	Gravity         float64
	GravityRate     float64 // SG per hour, negative while fermenting
	Temperature     float64
	TemperatureRate float64 // degrees per hour
	Confidence      float64 // 0..1, from posterior gravity variance
}

// DefaultConfig returns the filter parameters used in production.
func DefaultConfig() Config {
	return Config{
		ProcessNoiseGravity:         1e-6,
		ProcessNoiseTemperature:     1e-3,
		MeasurementNoiseGravity:     1e-5,
		MeasurementNoiseTemperature: 0.25,
		StrongSignal:                -70,
		WeakSignal:                  -100,
		MaxNoiseMultiplier:          10,
		ConfidenceStd:               0.01,
		MinElapsedHours:             1.0 / 60.0,
		InitialGravityVariance:      1e-4,
		InitialRateVariance:         1e-6,
		InitialTemperatureVariance:  1.0,
		InitialTempRateVariance:     0.01,
	}
}

// New creates an estimator. Missing config fields fall back to defaults.
func New(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.ProcessNoiseGravity <= 0 {
		cfg.ProcessNoiseGravity = def.ProcessNoiseGravity
	}
	if cfg.ProcessNoiseTemperature <= 0 {
		cfg.ProcessNoiseTemperature = def.ProcessNoiseTemperature
	}
	if cfg.MeasurementNoiseGravity <= 0 {
		cfg.MeasurementNoiseGravity = def.MeasurementNoiseGravity
	}
	if cfg.MeasurementNoiseTemperature <= 0 {
		cfg.MeasurementNoiseTemperature = def.MeasurementNoiseTemperature
	}
	if cfg.StrongSignal == 0 {
		cfg.StrongSignal = def.StrongSignal
	}
	if cfg.WeakSignal == 0 {
		cfg.WeakSignal = def.WeakSignal
	}
	if cfg.MaxNoiseMultiplier <= 1 {
		cfg.MaxNoiseMultiplier = def.MaxNoiseMultiplier
	}
	if cfg.ConfidenceStd <= 0 {
		cfg.ConfidenceStd = def.ConfidenceStd
	}
	if cfg.MinElapsedHours <= 0 {
		cfg.MinElapsedHours = def.MinElapsedHours
	}
	if cfg.InitialGravityVariance <= 0 {
		cfg.InitialGravityVariance = def.InitialGravityVariance
	}
	if cfg.InitialRateVariance <= 0 {
		cfg.InitialRateVariance = def.InitialRateVariance
	}
	if cfg.InitialTemperatureVariance <= 0 {
		cfg.InitialTemperatureVariance = def.InitialTemperatureVariance
	}
	if cfg.InitialTempRateVariance <= 0 {
		cfg.InitialTempRateVariance = def.InitialTempRateVariance
	}

	return &Estimator{
		cfg: cfg,
		x:   mat.NewVecDense(4, nil),
		p:   mat.NewDense(4, 4, nil),
	}
}

// Reset reinitializes state and covariance around a new starting measurement,
// discarding all prior history. The next Update behaves as initialization.
func (e *Estimator) Reset(gravity, temperature float64) {
	e.initialize(gravity, temperature)
}

// Update fuses one sample: a predict step propagating the state forward by
// elapsedHours, then a correct step using the quality-scaled measurement
// noise. The first call after New or Reset initializes the state instead of
// correcting against stale values.
func (e *Estimator) Update(gravity, temperature, signalQuality, elapsedHours float64) Estimate {
	if !e.initialized {
		e.initialize(gravity, temperature)
		return e.State()
	}

	dt := math.Max(elapsedHours, e.cfg.MinElapsedHours)

	e.predict(dt)
	e.correct(gravity, temperature, signalQuality)

	return e.State()
}

// State returns the current estimate without consuming a sample.
func (e *Estimator) State() Estimate {
	return Estimate{
		Gravity:         e.x.AtVec(0),
		GravityRate:     e.x.AtVec(1),
		Temperature:     e.x.AtVec(2),
		TemperatureRate: e.x.AtVec(3),
		Confidence:      e.confidence(),
	}
}

// NoiseMultiplier returns the measurement-noise scale applied for the given
// signal quality: 1 at StrongSignal or better, MaxNoiseMultiplier at
// WeakSignal or worse, linear in between.
func (e *Estimator) NoiseMultiplier(signalQuality float64) float64 {
	strong, weak := e.cfg.StrongSignal, e.cfg.WeakSignal
	if signalQuality >= strong {
		return 1
	}
	if signalQuality <= weak {
		return e.cfg.MaxNoiseMultiplier
	}
	frac := (strong - signalQuality) / (strong - weak)
	return 1 + frac*(e.cfg.MaxNoiseMultiplier-1)
}

func (e *Estimator) initialize(gravity, temperature float64) {
	e.x.SetVec(0, gravity)
	e.x.SetVec(1, 0)
	e.x.SetVec(2, temperature)
	e.x.SetVec(3, 0)

	e.p.Zero()
	e.p.Set(0, 0, e.cfg.InitialGravityVariance)
	e.p.Set(1, 1, e.cfg.InitialRateVariance)
	e.p.Set(2, 2, e.cfg.InitialTemperatureVariance)
	e.p.Set(3, 3, e.cfg.InitialTempRateVariance)

	e.initialized = true
}

// predict propagates state and covariance: x = F x, P = F P Fᵀ + Q.
func (e *Estimator) predict(dt float64) {
	f := transition(dt)

	var fx mat.VecDense
	fx.MulVec(f, e.x)
	e.x.CopyVec(&fx)

	var fp, fpft mat.Dense
	fp.Mul(f, e.p)
	fpft.Mul(&fp, f.T())
	e.p.Copy(&fpft)
	e.p.Add(e.p, processNoise(dt, e.cfg.ProcessNoiseGravity, e.cfg.ProcessNoiseTemperature))

	e.symmetrize()
}

// correct fuses the measurement [gravity, temperature] through
// H = [[1,0,0,0],[0,0,1,0]] with quality-scaled noise R.
func (e *Estimator) correct(gravity, temperature, signalQuality float64) {
	h := mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 0, 1, 0,
	})

	mult := e.NoiseMultiplier(signalQuality)
	r := mat.NewDense(2, 2, []float64{
		e.cfg.MeasurementNoiseGravity * mult, 0,
		0, e.cfg.MeasurementNoiseTemperature * mult,
	})

	// Innovation y = z - H x.
	y := mat.NewVecDense(2, []float64{
		gravity - e.x.AtVec(0),
		temperature - e.x.AtVec(2),
	})

	// S = H P Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(h, e.p)
	s.Mul(&hp, h.T())
	s.Add(&s, r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		// Singular innovation covariance means the filter state is broken;
		// re-seed from the raw measurement rather than propagate NaNs.
		e.initialize(gravity, temperature)
		return
	}

	// K = P Hᵀ S⁻¹
	var pht, k mat.Dense
	pht.Mul(e.p, h.T())
	k.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(&k, y)
	e.x.AddVec(e.x, &ky)

	// P = (I - K H) P
	var kh mat.Dense
	kh.Mul(&k, h)
	ikh := eye(4)
	ikh.Sub(ikh, &kh)

	var newP mat.Dense
	newP.Mul(ikh, e.p)
	e.p.Copy(&newP)

	e.symmetrize()
}

func (e *Estimator) confidence() float64 {
	v := e.p.At(0, 0)
	if v < 0 {
		v = 0
	}
	c := 1 - math.Sqrt(v)/e.cfg.ConfidenceStd
	return clamp(c, 0, 1)
}

// symmetrize removes the numerical asymmetry covariance updates accumulate
// and floors the diagonal so the matrix stays positive semi-definite.
func (e *Estimator) symmetrize() {
	const floor = 1e-12
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			avg := (e.p.At(i, j) + e.p.At(j, i)) / 2
			e.p.Set(i, j, avg)
			e.p.Set(j, i, avg)
		}
		if e.p.At(i, i) < floor {
			e.p.Set(i, i, floor)
		}
	}
}

func transition(dt float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, dt, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, dt,
		0, 0, 0, 1,
	})
}

// processNoise builds the discrete white-noise-acceleration Q for both
// position/rate pairs.
func processNoise(dt, qGravity, qTemp float64) *mat.Dense {
	d2 := dt * dt
	d3 := d2 * dt
	d4 := d3 * dt
	q := mat.NewDense(4, 4, nil)
	for i, qc := range []float64{qGravity, qTemp} {
		o := i * 2
		q.Set(o, o, qc*d4/4)
		q.Set(o, o+1, qc*d3/2)
		q.Set(o+1, o, qc*d3/2)
		q.Set(o+1, o+1, qc*d2)
	}
	return q
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
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
