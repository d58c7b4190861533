package thermo

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/optimize"
)

// Mode is the controller's operating state. Heating and cooling are mutually
// exclusive; idle means both actuators off.
type Mode string

const (
	ModeHeating Mode = "heating"
	ModeCooling Mode = "cooling"
	ModeIdle    Mode = "idle"
)

// Config holds the controller tuning for one batch.
type Config struct {
	BatchID string

	// Target is the setpoint; Hysteresis the half-band around it inside
	// which no new transition is triggered.
	Target     float64
	Hysteresis float64

	// HorizonSteps simulation steps of StepMinutes each.
	HorizonSteps int
	StepMinutes  float64

	// MaxRatePerHour is the temperature rate-of-change above which the cost
	// function penalizes a trajectory (thermal shock protection for yeast).
	MaxRatePerHour float64

	// Cost weights for the rate penalty and the energy term.
	RateWeight   float64
	EnergyWeight float64

	// TargetTolerance is the band counted as "at target" when estimating
	// time-to-target from the predicted trajectory.
	TargetTolerance float64

	// MinCycle suppresses automatic actuator flips closer together than
	// this, protecting compressors and relays from short-cycling. Manual
	// overrides bypass it.
	MinCycle time.Duration

	// MaxIterations caps the duty-vector optimizer per decision.
	MaxIterations int
}

// DefaultConfig returns controller tuning suitable for a fermentation
// chamber holding ale temperatures.
func DefaultConfig() Config {
	return Config{
		Hysteresis:      0.3,
		HorizonSteps:    16,
		StepMinutes:     15,
		MaxRatePerHour:  1.0,
		RateWeight:      5.0,
		EnergyWeight:    0.01,
		TargetTolerance: 0.25,
		MinCycle:        5 * time.Minute,
		MaxIterations:   200,
	}
}

// Validate rejects configurations that cannot drive a physical chamber.
func (c Config) Validate() error {
	if c.Hysteresis <= 0 {
		return fmt.Errorf("hysteresis must be positive, got %g", c.Hysteresis)
	}
	if c.HorizonSteps <= 0 {
		return fmt.Errorf("horizon_steps must be positive, got %d", c.HorizonSteps)
	}
	if c.StepMinutes <= 0 {
		return fmt.Errorf("step_minutes must be positive, got %g", c.StepMinutes)
	}
	if c.MaxRatePerHour <= 0 {
		return fmt.Errorf("max_rate_per_hour must be positive, got %g", c.MaxRatePerHour)
	}
	if c.RateWeight < 0 || c.EnergyWeight < 0 {
		return fmt.Errorf("cost weights must be non-negative")
	}
	if c.TargetTolerance <= 0 {
		return fmt.Errorf("target_tolerance must be positive, got %g", c.TargetTolerance)
	}
	if c.MinCycle < 0 {
		return fmt.Errorf("min_cycle must be non-negative, got %v", c.MinCycle)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}

// Override is a time-boxed manual actuator assertion.
type Override struct {
	On        bool
	ExpiresAt time.Time
}

type actuatorState struct {
	on         bool
	lastChange time.Time
	lastOff    time.Time
	override   *Override
}

// sinceOff returns hours since the actuator last turned off, or -1 when it
// has no recorded off transition.
func (a *actuatorState) sinceOff(now time.Time) float64 {
	if a.lastOff.IsZero() {
		return -1
	}
	return now.Sub(a.lastOff).Hours()
}

// Decision is one control tick's output: at most one actuator commanded on,
// plus the predicted trajectory for observability.
type Decision struct {
	Mode     Mode
	HeaterOn bool
	CoolerOn bool

	// Trajectory holds the predicted temperature after each horizon step.
	Trajectory []float64

	// HoursToTarget estimates when the trajectory first lands within
	// TargetTolerance of the setpoint; TargetReached is false when it never
	// does within the horizon.
	HoursToTarget float64
	TargetReached bool
}

// Controller holds a batch's control state and derives per-tick actuator
// intents by simulating candidate duty sequences over a short horizon against
// the thermal model. Safe for concurrent use; all mutation of a batch's state
// is serialized on the controller's lock.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	model *Model
	log   logrus.FieldLogger

	heater actuatorState
	cooler actuatorState

	// Snapshot of the last decision, for the post-hoc learning comparison.
	lastTemp      float64
	lastAmbient   float64
	lastDecidedAt time.Time
	haveDecision  bool
}

// NewController validates the configuration and binds it to a thermal model.
// The model is owned by the controller from here on.
func NewController(cfg Config, model *Model) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	if model == nil {
		return nil, fmt.Errorf("controller requires a thermal model")
	}
	if model.OvershootDecayHours <= 0 || model.LearningRate <= 0 || model.LearningRate > 1 {
		return nil, fmt.Errorf("thermal model has invalid decay time or learning rate")
	}
	return &Controller{
		cfg:   cfg,
		model: model,
		log:   logrus.WithField("batch", cfg.BatchID),
	}, nil
}

// SetTarget changes the setpoint between ticks.
func (c *Controller) SetTarget(target float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Target = target
}

// Decide runs one control tick from the current filtered and ambient
// temperatures. It returns intents only; the cached actuator belief is
// updated via Confirm once the host reports the command succeeded, so a
// failed command is retried on the next tick instead of being assumed.
func (c *Controller) Decide(now time.Time, current, ambient float64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireOverrides(now)

	mode := c.selectMode(current)

	sinceHeatOff := c.heater.sinceOff(now)
	sinceCoolOff := c.cooler.sinceOff(now)

	duties := c.optimizeDuties(mode, current, ambient, sinceHeatOff, sinceCoolOff)
	trajectory, _ := c.simulate(mode, duties, current, ambient, sinceHeatOff, sinceCoolOff)

	plannedHeater := mode == ModeHeating && duties[0] >= 0.5
	plannedCooler := mode == ModeCooling && duties[0] >= 0.5

	heaterOn := c.applyMinCycle(&c.heater, plannedHeater, now)
	coolerOn := c.applyMinCycle(&c.cooler, plannedCooler, now)

	// A new on-command requires the opposite actuator to already be off. If
	// the cycle guard pinned the opposite side on, the newcomer waits a tick.
	if heaterOn && coolerOn {
		if !c.heater.on {
			heaterOn = false
		} else if !c.cooler.on {
			coolerOn = false
		}
	}

	// Manual overrides bypass the cycle guard and force the opposite
	// actuator off so mutual exclusion survives operator intervention.
	if ov := c.heater.override; ov != nil {
		heaterOn = ov.On
		if heaterOn {
			coolerOn = false
		}
	}
	if ov := c.cooler.override; ov != nil {
		coolerOn = ov.On
		if coolerOn {
			heaterOn = false
		}
	}

	// Must be impossible by construction; if it fires anyway, forcing both
	// off is the only safe output.
	if heaterOn && coolerOn {
		c.log.Error("heater and cooler both commanded on, forcing both off")
		heaterOn, coolerOn = false, false
	}

	// The guards above can change the first step away from the optimized
	// plan; the reported trajectory must describe what is actually commanded.
	if heaterOn != plannedHeater || coolerOn != plannedCooler {
		trajectory = c.resimulate(mode, duties, heaterOn, coolerOn, current, ambient, sinceHeatOff, sinceCoolOff)
	}

	c.lastTemp = current
	c.lastAmbient = ambient
	c.lastDecidedAt = now
	c.haveDecision = true

	d := Decision{
		Mode:       mode,
		HeaterOn:   heaterOn,
		CoolerOn:   coolerOn,
		Trajectory: trajectory,
	}
	d.HoursToTarget, d.TargetReached = c.timeToTarget(trajectory)
	return d
}

// resimulate rebuilds the trajectory when the cycle guard or an override
// changed the issued first step. A pinned actuator is simulated in its own
// mode for one step; a forced-off first step keeps the rest of the plan.
func (c *Controller) resimulate(mode Mode, duties []float64, heaterOn, coolerOn bool, current, ambient, sinceHeatOff, sinceCoolOff float64) []float64 {
	simMode := mode
	simDuties := append([]float64(nil), duties...)
	switch {
	case heaterOn:
		simMode = ModeHeating
		if mode != ModeHeating {
			simDuties = frontLoaded(len(duties), 1)
		}
		simDuties[0] = 1
	case coolerOn:
		simMode = ModeCooling
		if mode != ModeCooling {
			simDuties = frontLoaded(len(duties), 1)
		}
		simDuties[0] = 1
	default:
		simDuties[0] = 0
	}
	trajectory, _ := c.simulate(simMode, simDuties, current, ambient, sinceHeatOff, sinceCoolOff)
	return trajectory
}

// Confirm commits a commanded actuator transition after the host reports the
// physical command succeeded. Commands that failed must not be confirmed;
// the stale cached state makes the next tick re-issue them.
func (c *Controller) Confirm(actuator Actuator, on bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stateFor(actuator)
	if s == nil || s.on == on {
		return
	}
	s.on = on
	s.lastChange = now
	if !on {
		s.lastOff = now
	}
	if c.heater.on && c.cooler.on {
		c.log.Error("confirmed state has both actuators on")
	}
}

// SyncActuatorState replaces the cached on/off belief, for startup
// resynchronization against the physical actuators. Change timestamps are
// cleared so the first automatic decision is not suppressed by the cycle
// guard.
func (c *Controller) SyncActuatorState(heaterOn, coolerOn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heater = actuatorState{on: heaterOn}
	c.cooler = actuatorState{on: coolerOn}
	c.haveDecision = false
}

// ActuatorOn reports the cached belief for one actuator.
func (c *Controller) ActuatorOn(actuator Actuator) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.stateFor(actuator); s != nil {
		return s.on
	}
	return false
}

// SetOverride forces an actuator's state for the given duration. The
// override expires on its own; until then automatic decisions cannot touch
// that actuator.
func (c *Controller) SetOverride(actuator Actuator, on bool, duration time.Duration, now time.Time) error {
	if duration <= 0 {
		return fmt.Errorf("override duration must be positive, got %v", duration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stateFor(actuator)
	if s == nil {
		return fmt.Errorf("unknown actuator %q", actuator)
	}
	s.override = &Override{On: on, ExpiresAt: now.Add(duration)}
	return nil
}

// ClearOverride hands the actuator back to automatic control on the next
// tick.
func (c *Controller) ClearOverride(actuator Actuator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.stateFor(actuator); s != nil {
		s.override = nil
	}
}

// Observe feeds the temperature measured after the previous Decide back into
// the thermal model. If an actuator turned off within one decay constant,
// the gap between observation and model prediction re-estimates that
// actuator's overshoot coefficient.
func (c *Controller) Observe(now time.Time, observed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveDecision {
		return
	}
	dt := now.Sub(c.lastDecidedAt).Hours()
	if dt <= 0 {
		return
	}

	heatDuty, coolDuty := 0.0, 0.0
	if c.heater.on {
		heatDuty = 1
	}
	if c.cooler.on {
		coolDuty = 1
	}
	sinceHeatOff := c.heater.sinceOff(c.lastDecidedAt)
	sinceCoolOff := c.cooler.sinceOff(c.lastDecidedAt)
	predicted := c.model.Step(c.lastTemp, c.lastAmbient, heatDuty, coolDuty, sinceHeatOff, sinceCoolOff, dt)

	if !c.heater.on && sinceHeatOff >= 0 {
		c.model.Learn(Heater, observed, predicted, sinceHeatOff, dt)
	}
	if !c.cooler.on && sinceCoolOff >= 0 {
		c.model.Learn(Cooler, observed, predicted, sinceCoolOff, dt)
	}
}

// Model returns the controller's thermal model, for observability.
func (c *Controller) Model() Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.model
}

func (c *Controller) stateFor(actuator Actuator) *actuatorState {
	switch actuator {
	case Heater:
		return &c.heater
	case Cooler:
		return &c.cooler
	}
	return nil
}

func (c *Controller) expireOverrides(now time.Time) {
	if ov := c.heater.override; ov != nil && !now.Before(ov.ExpiresAt) {
		c.heater.override = nil
	}
	if ov := c.cooler.override; ov != nil && !now.Before(ov.ExpiresAt) {
		c.cooler.override = nil
	}
}

// selectMode applies symmetric hysteresis around the target: enter heating
// below the band, cooling above it, and hold the current mode inside it.
// Holding inside the band is what prevents oscillation.
func (c *Controller) selectMode(current float64) Mode {
	switch {
	case current <= c.cfg.Target-c.cfg.Hysteresis:
		return ModeHeating
	case current >= c.cfg.Target+c.cfg.Hysteresis:
		return ModeCooling
	}
	if c.heater.on {
		return ModeHeating
	}
	if c.cooler.on {
		return ModeCooling
	}
	return ModeIdle
}

// applyMinCycle suppresses an automatic state change when the actuator
// changed less than MinCycle ago.
func (c *Controller) applyMinCycle(s *actuatorState, desired bool, now time.Time) bool {
	if desired == s.on {
		return desired
	}
	if !s.lastChange.IsZero() && now.Sub(s.lastChange) < c.cfg.MinCycle {
		return s.on
	}
	return desired
}

// optimizeDuties picks the duty sequence for the active actuator minimizing
// the trajectory cost. Structured seeds (all-off, all-on, front-loaded) are
// scored first and the best one starts a bounded Nelder-Mead refinement.
func (c *Controller) optimizeDuties(mode Mode, current, ambient, sinceHeatOff, sinceCoolOff float64) []float64 {
	n := c.cfg.HorizonSteps
	duties := make([]float64, n)
	if mode == ModeIdle {
		return duties
	}

	score := func(d []float64) float64 {
		_, cost := c.simulate(mode, clamped(d), current, ambient, sinceHeatOff, sinceCoolOff)
		return cost
	}

	seeds := [][]float64{
		filled(n, 0),
		filled(n, 1),
		frontLoaded(n, n/2),
		frontLoaded(n, n/4),
	}
	best := seeds[0]
	bestCost := score(best)
	for _, seed := range seeds[1:] {
		if cost := score(seed); cost < bestCost {
			best, bestCost = seed, cost
		}
	}

	problem := optimize.Problem{Func: score}
	settings := &optimize.Settings{MajorIterations: c.cfg.MaxIterations}
	result, err := optimize.Minimize(problem, append([]float64(nil), best...), settings, &optimize.NelderMead{})
	if err == nil && result != nil && result.F < bestCost {
		best = clamped(result.X)
	}

	copy(duties, clamped(best))
	return duties
}

// simulate rolls the thermal model over the horizon for one actuator's duty
// sequence. It tracks off-transitions inside the trajectory so the
// post-shutoff drift is injected mid-horizon, not just at the start; the
// simulation deliberately predicts overshoot instead of an instant return to
// equilibrium.
func (c *Controller) simulate(mode Mode, duties []float64, current, ambient, sinceHeatOff, sinceCoolOff float64) (trajectory []float64, cost float64) {
	dt := c.cfg.StepMinutes / 60
	trajectory = make([]float64, len(duties))

	temp := current
	heatOn := c.heater.on
	coolOn := c.cooler.on
	simHeatOff := sinceHeatOff
	simCoolOff := sinceCoolOff

	for i, duty := range duties {
		heatDuty, coolDuty := 0.0, 0.0
		switch mode {
		case ModeHeating:
			heatDuty = duty
		case ModeCooling:
			coolDuty = duty
		}

		if heatDuty > 0 {
			heatOn = true
		} else if heatOn {
			heatOn = false
			simHeatOff = 0
		} else if simHeatOff >= 0 {
			simHeatOff += dt
		}
		if coolDuty > 0 {
			coolOn = true
		} else if coolOn {
			coolOn = false
			simCoolOff = 0
		} else if simCoolOff >= 0 {
			simCoolOff += dt
		}

		next := c.model.Step(temp, ambient, heatDuty, coolDuty, simHeatOff, simCoolOff, dt)

		dev := next - c.cfg.Target
		cost += dev * dev

		rate := math.Abs(next-temp) / dt
		if rate > c.cfg.MaxRatePerHour {
			excess := rate - c.cfg.MaxRatePerHour
			cost += c.cfg.RateWeight * excess * excess
		}
		cost += c.cfg.EnergyWeight * duty

		temp = next
		trajectory[i] = next
	}
	return trajectory, cost
}

func (c *Controller) timeToTarget(trajectory []float64) (hours float64, reached bool) {
	dt := c.cfg.StepMinutes / 60
	for i, temp := range trajectory {
		if math.Abs(temp-c.cfg.Target) <= c.cfg.TargetTolerance {
			return float64(i+1) * dt, true
		}
	}
	return 0, false
}

func clamped(duties []float64) []float64 {
	out := make([]float64, len(duties))
	for i, d := range duties {
		switch {
		case d < 0:
			out[i] = 0
		case d > 1:
			out[i] = 1
		default:
			out[i] = d
		}
	}
	return out
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func frontLoaded(n, on int) []float64 {
	out := make([]float64, n)
	for i := 0; i < on && i < n; i++ {
		out[i] = 1
	}
	return out
}
