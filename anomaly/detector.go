package anomaly

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Reason identifies which anomaly rule fired for a sample.
type Reason string

const (
	// ReasonGravityIncreasing marks a physically implausible upward gravity
	// trend. Fermentation only moves gravity down, minor CO2 degassing noise
	// aside.
	ReasonGravityIncreasing Reason = "gravity_increasing"

	// ReasonWeakSignal marks a sample received below the signal floor.
	ReasonWeakSignal Reason = "weak_signal"

	// ReasonStatisticalOutlier marks a sample far from the recent feature
	// distribution.
	ReasonStatisticalOutlier Reason = "statistical_outlier"
)

const featureDim = 4

// Config holds the detector thresholds and history sizing.
type Config struct {
	// MaxGravityRise is the largest allowed positive gravity rate (SG per
	// hour) before the sample is flagged as physically implausible.
	MaxGravityRise float64

	// SignalFloor is the signal quality below which a sample is flagged weak.
	SignalFloor float64

	// HistorySize bounds the rolling feature buffer. Oldest entries are
	// evicted first.
	HistorySize int

	// MinTrainSize is the buffer length required before the novelty model is
	// fit at all.
	MinTrainSize int

	// RetrainEvery is the number of checks between refits once training has
	// started.
	RetrainEvery int

	// OutlierDistance is the Mahalanobis distance beyond which a sample is a
	// statistical outlier.
	OutlierDistance float64
}

// DefaultConfig returns the detector thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MaxGravityRise:  0.002,
		SignalFloor:     -95,
		HistorySize:     500,
		MinTrainSize:    50,
		RetrainEvery:    10,
		OutlierDistance: 3.5,
	}
}

// Result is the verdict for one checked sample.
type Result struct {
	IsAnomaly bool
	Reasons   []Reason

	// ShouldUse reports whether downstream consumers (prediction history)
	// should keep the sample. Weak-signal-only anomalies remain usable,
	// because the estimator already down-weights them; physics violations
	// and statistical outliers do not.
	ShouldUse bool

	// Score is the Mahalanobis distance against the novelty model, zero
	// until enough history exists to train one.
	Score float64
}

// Detector combines fixed physical rules with a statistical novelty model
// trained incrementally on a rolling window of recent feature vectors.
// One instance per device; not safe for concurrent use.
type Detector struct {
	cfg Config

	// Rolling feature history: [gravity, temperature, signal, gravity_rate].
	history [][featureDim]float64

	model        *noveltyModel
	checksSince  int
	totalChecked int
}

// noveltyModel is a Gaussian fit of the recent feature window. Scoring is
// Mahalanobis distance against it.
type noveltyModel struct {
	mean    []float64
	precInv *mat.Dense // inverse covariance, ridge-regularized
}

// NewDetector creates a detector. Missing config fields fall back to
// defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MaxGravityRise <= 0 {
		cfg.MaxGravityRise = def.MaxGravityRise
	}
	if cfg.SignalFloor == 0 {
		cfg.SignalFloor = def.SignalFloor
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MinTrainSize <= 0 {
		cfg.MinTrainSize = def.MinTrainSize
	}
	if cfg.RetrainEvery <= 0 {
		cfg.RetrainEvery = def.RetrainEvery
	}
	if cfg.OutlierDistance <= 0 {
		cfg.OutlierDistance = def.OutlierDistance
	}
	return &Detector{
		cfg:     cfg,
		history: make([][featureDim]float64, 0, cfg.HistorySize),
	}
}

// Check classifies one sample. Every checked sample is appended to history
// regardless of the verdict, so the model adapts to genuine regime shifts
// rather than only to clean data.
func (d *Detector) Check(gravity, temperature, signalQuality, gravityRate float64) Result {
	var res Result

	if gravityRate > d.cfg.MaxGravityRise {
		res.Reasons = append(res.Reasons, ReasonGravityIncreasing)
	}
	if signalQuality < d.cfg.SignalFloor {
		res.Reasons = append(res.Reasons, ReasonWeakSignal)
	}

	feature := [featureDim]float64{gravity, temperature, signalQuality, gravityRate}

	d.maybeRetrain()
	if d.model != nil {
		res.Score = d.model.distance(feature)
		if res.Score > d.cfg.OutlierDistance {
			res.Reasons = append(res.Reasons, ReasonStatisticalOutlier)
		}
	}

	d.append(feature)
	d.totalChecked++
	d.checksSince++

	res.IsAnomaly = len(res.Reasons) > 0
	res.ShouldUse = !res.hasReason(ReasonGravityIncreasing) && !res.hasReason(ReasonStatisticalOutlier)
	return res
}

// HistoryLen returns the current rolling-buffer length.
func (d *Detector) HistoryLen() int {
	return len(d.history)
}

// Reset discards history and the trained model, for a new batch on the same
// device.
func (d *Detector) Reset() {
	d.history = d.history[:0]
	d.model = nil
	d.checksSince = 0
	d.totalChecked = 0
}

func (r Result) hasReason(reason Reason) bool {
	for _, have := range r.Reasons {
		if have == reason {
			return true
		}
	}
	return false
}

func (d *Detector) append(feature [featureDim]float64) {
	if len(d.history) >= d.cfg.HistorySize {
		d.history = d.history[1:]
	}
	d.history = append(d.history, feature)
}

// maybeRetrain refits the novelty model once the buffer crosses the minimum
// training size, then every RetrainEvery checks.
func (d *Detector) maybeRetrain() {
	if len(d.history) < d.cfg.MinTrainSize {
		return
	}
	if d.model != nil && d.checksSince < d.cfg.RetrainEvery {
		return
	}
	if m := fitNovelty(d.history); m != nil {
		d.model = m
	}
	d.checksSince = 0
}

func fitNovelty(history [][featureDim]float64) *noveltyModel {
	n := len(history)
	data := mat.NewDense(n, featureDim, nil)
	for i, f := range history {
		for j := 0; j < featureDim; j++ {
			data.Set(i, j, f[j])
		}
	}

	mean := make([]float64, featureDim)
	col := make([]float64, n)
	for j := 0; j < featureDim; j++ {
		mat.Col(col, j, data)
		mean[j] = stat.Mean(col, nil)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	// Ridge on the diagonal keeps the inverse well conditioned when a
	// feature barely varies (common early in a batch).
	const ridge = 1e-6
	reg := mat.NewDense(featureDim, featureDim, nil)
	for i := 0; i < featureDim; i++ {
		for j := 0; j < featureDim; j++ {
			reg.Set(i, j, cov.At(i, j))
		}
		reg.Set(i, i, reg.At(i, i)+ridge)
	}

	var inv mat.Dense
	if err := inv.Inverse(reg); err != nil {
		return nil
	}
	return &noveltyModel{mean: mean, precInv: &inv}
}

// distance is the Mahalanobis distance of the feature vector from the
// training mean.
func (m *noveltyModel) distance(feature [featureDim]float64) float64 {
	diff := mat.NewVecDense(featureDim, nil)
	for i := 0; i < featureDim; i++ {
		diff.SetVec(i, feature[i]-m.mean[i])
	}

	var tmp mat.VecDense
	tmp.MulVec(m.precInv, diff)
	d2 := mat.Dot(diff, &tmp)
	if d2 < 0 {
		d2 = 0
	}
	return math.Sqrt(d2)
}
