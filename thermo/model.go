package thermo

import "math"

// Actuator identifies one side of the heat/cool pair.
type Actuator string

const (
	Heater Actuator = "heater"
	Cooler Actuator = "cooler"
)

// Model is a small parametric model of chamber thermal behavior. Rates are in
// degrees per hour; the overshoot terms describe the residual drift after an
// actuator turns off, decaying exponentially with OvershootDecayHours.
//
// The overshoot coefficients are learned online: after each control cycle the
// observed temperature is compared with the prediction, and if an actuator
// went off recently the mismatch re-estimates that actuator's coefficient.
type Model struct {
	HeatingRate          float64 // chamber gain while the heater is on
	CoolingRate          float64 // chamber loss while the cooler is on (magnitude)
	AmbientLossRate      float64 // pull toward ambient, per hour per degree of difference
	HeatingOvershootRate float64 // drift just after heater-off (magnitude, pushes up)
	CoolingOvershootRate float64 // drift just after cooler-off (magnitude, pushes down)
	OvershootDecayHours  float64 // time constant of the post-shutoff drift
	LearningRate         float64 // EMA weight for coefficient updates, 0..1
}

// maxOvershootRate bounds a learned coefficient so one wild observation can
// never produce runaway predictions.
const maxOvershootRate = 10

// DefaultModel returns initial coefficients for a typical fermentation
// chamber; the overshoot terms refine themselves as the controller runs.
func DefaultModel() Model {
	return Model{
		HeatingRate:          2.0,
		CoolingRate:          3.0,
		AmbientLossRate:      0.1,
		HeatingOvershootRate: 0.5,
		CoolingOvershootRate: 0.5,
		OvershootDecayHours:  0.5,
		LearningRate:         0.2,
	}
}

// Step advances the chamber temperature by dt hours. heatDuty and coolDuty
// are the fraction of the step each actuator is on (0..1). sinceHeatOff and
// sinceCoolOff are hours since the respective actuator last turned off;
// pass a negative value when it has not been off recently. The post-shutoff
// drift is only applied while the actuator is itself off.
func (m *Model) Step(temp, ambient, heatDuty, coolDuty, sinceHeatOff, sinceCoolOff, dt float64) float64 {
	delta := m.AmbientLossRate * (ambient - temp) * dt

	if heatDuty > 0 {
		delta += m.HeatingRate * heatDuty * dt
	} else if sinceHeatOff >= 0 {
		delta += m.HeatingOvershootRate * math.Exp(-sinceHeatOff/m.OvershootDecayHours) * dt
	}

	if coolDuty > 0 {
		delta -= m.CoolingRate * coolDuty * dt
	} else if sinceCoolOff >= 0 {
		delta -= m.CoolingOvershootRate * math.Exp(-sinceCoolOff/m.OvershootDecayHours) * dt
	}

	return temp + delta
}

// Learn refines the overshoot coefficient for the actuator that turned off
// sinceOff hours ago, from the gap between the observed and predicted
// temperature over a dt-hour cycle. The coefficient moves by an exponential
// moving average, never a full overwrite, so a single noisy observation is
// bounded by the learning rate. Updates outside one decay constant of the
// shutoff are ignored; the residual drift has decayed into measurement
// noise by then.
func (m *Model) Learn(actuator Actuator, observed, predicted, sinceOff, dt float64) {
	if sinceOff < 0 || sinceOff > m.OvershootDecayHours || dt <= 0 {
		return
	}

	decayFactor := math.Exp(-sinceOff / m.OvershootDecayHours)
	if decayFactor < 1e-6 {
		return
	}

	// The unexplained temperature rate, attributed to the drift term.
	residualRate := (observed - predicted) / dt

	switch actuator {
	case Heater:
		estimate := m.HeatingOvershootRate + residualRate/decayFactor
		estimate = clampRate(estimate)
		m.HeatingOvershootRate = (1-m.LearningRate)*m.HeatingOvershootRate + m.LearningRate*estimate
	case Cooler:
		// Cooling drift pushes temperature down, so a negative residual
		// means the coefficient is too small.
		estimate := m.CoolingOvershootRate - residualRate/decayFactor
		estimate = clampRate(estimate)
		m.CoolingOvershootRate = (1-m.LearningRate)*m.CoolingOvershootRate + m.LearningRate*estimate
	}
}

func clampRate(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > maxOvershootRate {
		return maxOvershootRate
	}
	return v
}
