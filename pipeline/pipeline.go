// Package pipeline routes raw telemetry samples through the state estimator,
// anomaly detector and fermentation predictor, keeping one instance of each
// per device. It owns no actuators; temperature control runs on its own
// cadence per batch.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ferment-controller/anomaly"
	"ferment-controller/fusion"
	"ferment-controller/predict"
)

// ErrInvalidSample marks a sample rejected before reaching the estimator:
// non-finite values or readings outside the physically plausible band.
var ErrInvalidSample = errors.New("invalid sample")

// ErrUnknownDevice marks a query for a device that has never produced a
// sample.
var ErrUnknownDevice = errors.New("unknown device")

// Config holds the per-device pipeline parameters.
type Config struct {
	Estimator fusion.Config
	Detector  anomaly.Config
	Predictor predict.Config

	// Feature switches. With filtering disabled, raw values pass through
	// with zero rates; with anomaly detection disabled every sample is
	// usable; with prediction disabled no fit history accumulates.
	EnableFiltering  bool
	EnableAnomaly    bool
	EnablePrediction bool

	// RefitEvery accepted points between curve refits once the minimum
	// point count is reached.
	RefitEvery int

	// CompletionRatePerDay is the gravity-drop rate (SG per day) below which
	// the fermentation counts as complete.
	CompletionRatePerDay float64

	// MinElapsedHours is the assumed interval for a device's first sample.
	MinElapsedHours float64

	// Physical validity band for incoming samples.
	MinGravity     float64
	MaxGravity     float64
	MinTemperature float64
	MaxTemperature float64
}

// DefaultConfig returns the pipeline parameters used in production.
func DefaultConfig() Config {
	return Config{
		Estimator:            fusion.DefaultConfig(),
		Detector:             anomaly.DefaultConfig(),
		Predictor:            predict.DefaultConfig(),
		EnableFiltering:      true,
		EnableAnomaly:        true,
		EnablePrediction:     true,
		RefitEvery:           6,
		CompletionRatePerDay: 0.002,
		MinElapsedHours:      1.0 / 60.0,
		MinGravity:           0.98,
		MaxGravity:           1.20,
		MinTemperature:       -10,
		MaxTemperature:       60,
	}
}

// Processed is the per-sample output handed back to the host for persistence
// and broadcast.
type Processed struct {
	DeviceID            string
	GravityFiltered     float64
	GravityRate         float64
	TemperatureFiltered float64
	TemperatureRate     float64
	Confidence          float64
	IsAnomaly           bool
	AnomalyReasons      []anomaly.Reason
	UsedForPrediction   bool
	ElapsedHours        float64
}

type deviceState struct {
	estimator *fusion.Estimator
	detector  *anomaly.Detector
	predictor *predict.Predictor

	lastSeen  time.Time
	startTime time.Time
	accepted  int
}

// Pipeline owns the per-device processing state. Devices are registered on
// first sample and removed explicitly; there is no global registry.
type Pipeline struct {
	mu      sync.Mutex
	cfg     Config
	devices map[string]*deviceState
	log     logrus.FieldLogger
}

// New creates a pipeline. RefitEvery, CompletionRatePerDay, MinElapsedHours
// and the validity band fall back to defaults when zero; the feature
// switches are honored as given.
func New(cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.RefitEvery <= 0 {
		cfg.RefitEvery = def.RefitEvery
	}
	if cfg.CompletionRatePerDay <= 0 {
		cfg.CompletionRatePerDay = def.CompletionRatePerDay
	}
	if cfg.MinElapsedHours <= 0 {
		cfg.MinElapsedHours = def.MinElapsedHours
	}
	if cfg.MaxGravity <= cfg.MinGravity {
		cfg.MinGravity, cfg.MaxGravity = def.MinGravity, def.MaxGravity
	}
	if cfg.MaxTemperature <= cfg.MinTemperature {
		cfg.MinTemperature, cfg.MaxTemperature = def.MinTemperature, def.MaxTemperature
	}
	return &Pipeline{
		cfg:     cfg,
		devices: make(map[string]*deviceState),
		log:     logrus.WithField("component", "pipeline"),
	}
}

// ProcessSample routes one sample arriving now.
func (p *Pipeline) ProcessSample(deviceID string, gravity, temperature, signalQuality float64) (Processed, error) {
	return p.ProcessSampleAt(deviceID, gravity, temperature, signalQuality, time.Now())
}

// ProcessSampleAt routes one sample with an explicit arrival time. It exists
// for replaying stored readings when rebuilding state after a restart; the
// host must supply non-decreasing times per device.
func (p *Pipeline) ProcessSampleAt(deviceID string, gravity, temperature, signalQuality float64, at time.Time) (Processed, error) {
	if err := p.validate(gravity, temperature); err != nil {
		return Processed{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dev := p.devices[deviceID]
	if dev == nil {
		dev = &deviceState{
			estimator: fusion.New(p.cfg.Estimator),
			detector:  anomaly.NewDetector(p.cfg.Detector),
			predictor: predict.NewPredictor(p.cfg.Predictor),
		}
		p.devices[deviceID] = dev
		p.log.WithField("device", deviceID).Info("registered device")
	}

	elapsed := p.cfg.MinElapsedHours
	if !dev.lastSeen.IsZero() {
		elapsed = math.Max(at.Sub(dev.lastSeen).Hours(), p.cfg.MinElapsedHours)
	} else {
		dev.startTime = at
	}
	dev.lastSeen = at

	var est fusion.Estimate
	if p.cfg.EnableFiltering {
		est = dev.estimator.Update(gravity, temperature, signalQuality, elapsed)
	} else {
		est = fusion.Estimate{Gravity: gravity, Temperature: temperature}
	}

	check := anomaly.Result{ShouldUse: true}
	if p.cfg.EnableAnomaly {
		check = dev.detector.Check(est.Gravity, est.Temperature, signalQuality, est.GravityRate)
	}

	used := false
	if p.cfg.EnablePrediction && check.ShouldUse {
		hours := at.Sub(dev.startTime).Hours()
		dev.predictor.Observe(hours, est.Gravity)
		dev.accepted++
		used = true
		// A failed attempt (too few points, no convergence) leaves the
		// counter saturated so the fit retries on the next accepted point
		// instead of waiting out a full interval.
		if dev.accepted >= p.cfg.RefitEvery {
			if dev.predictor.Refit() {
				dev.accepted = 0
			} else {
				dev.accepted = p.cfg.RefitEvery
			}
		}
	}

	return Processed{
		DeviceID:            deviceID,
		GravityFiltered:     est.Gravity,
		GravityRate:         est.GravityRate,
		TemperatureFiltered: est.Temperature,
		TemperatureRate:     est.TemperatureRate,
		Confidence:          est.Confidence,
		IsAnomaly:           check.IsAnomaly,
		AnomalyReasons:      check.Reasons,
		UsedForPrediction:   used,
		ElapsedHours:        elapsed,
	}, nil
}

// Predictions returns the device's completion prediction, or nil before a
// successful fit exists.
func (p *Pipeline) Predictions(deviceID string) *predict.Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev := p.devices[deviceID]
	if dev == nil {
		return nil
	}
	return dev.predictor.Completion(p.cfg.CompletionRatePerDay)
}

// Phase returns the device's current fermentation phase.
func (p *Pipeline) Phase(deviceID string) predict.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev := p.devices[deviceID]
	if dev == nil {
		return predict.PhaseUnknown
	}
	est := dev.estimator.State()
	return dev.predictor.Phase(est.Gravity, est.GravityRate)
}

// State returns the device's current filtered estimate without consuming a
// sample. The controller reads its batch temperature through this.
func (p *Pipeline) State(deviceID string) (fusion.Estimate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev := p.devices[deviceID]
	if dev == nil {
		return fusion.Estimate{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return dev.estimator.State(), nil
}

// ResetDevice discards the device's filter, anomaly and prediction history
// for a new batch, reinitializing the filter around the given readings. The
// device identity survives.
func (p *Pipeline) ResetDevice(deviceID string, gravity, temperature float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev := p.devices[deviceID]
	if dev == nil {
		return
	}
	dev.estimator.Reset(gravity, temperature)
	dev.detector.Reset()
	dev.predictor.Reset()
	dev.lastSeen = time.Time{}
	dev.startTime = time.Time{}
	dev.accepted = 0
	p.log.WithField("device", deviceID).Info("reset device state")
}

// RemoveDevice retires a device, destroying its state.
func (p *Pipeline) RemoveDevice(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, deviceID)
}

// Devices lists the registered device identifiers.
func (p *Pipeline) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.devices))
	for id := range p.devices {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pipeline) validate(gravity, temperature float64) error {
	if math.IsNaN(gravity) || math.IsInf(gravity, 0) ||
		math.IsNaN(temperature) || math.IsInf(temperature, 0) {
		return fmt.Errorf("%w: non-finite reading", ErrInvalidSample)
	}
	if gravity < p.cfg.MinGravity || gravity > p.cfg.MaxGravity {
		return fmt.Errorf("%w: gravity %.4f outside [%.2f, %.2f]",
			ErrInvalidSample, gravity, p.cfg.MinGravity, p.cfg.MaxGravity)
	}
	if temperature < p.cfg.MinTemperature || temperature > p.cfg.MaxTemperature {
		return fmt.Errorf("%w: temperature %.1f outside [%.1f, %.1f]",
			ErrInvalidSample, temperature, p.cfg.MinTemperature, p.cfg.MaxTemperature)
	}
	return nil
}
