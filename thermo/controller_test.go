package thermo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchID = "test-batch"
	cfg.Target = 20.0
	return cfg
}

func testController(t *testing.T) *Controller {
	model := DefaultModel()
	c, err := NewController(testConfig(), &model)
	require.NoError(t, err)
	return c
}

// TestNewController_InvalidConfig_Error tests fail-fast construction
func TestNewController_InvalidConfig_Error(t *testing.T) {
	// Arrange
	cfg := testConfig()
	cfg.HorizonSteps = 0
	model := DefaultModel()

	// Act
	_, err := NewController(cfg, &model)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "horizon_steps")
}

// TestNewController_NilModel_Error tests the model requirement
func TestNewController_NilModel_Error(t *testing.T) {
	// Act
	_, err := NewController(testConfig(), nil)

	// Assert
	require.Error(t, err)
}

// TestDecide_ColdChamber_Heats tests mode entry below the hysteresis band
func TestDecide_ColdChamber_Heats(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()

	// Act
	d := c.Decide(now, 12.0, 18.0)

	// Assert
	assert.Equal(t, ModeHeating, d.Mode)
	assert.True(t, d.HeaterOn)
	assert.False(t, d.CoolerOn)
	assert.Len(t, d.Trajectory, testConfig().HorizonSteps)
}

// TestDecide_HotChamber_Cools tests mode entry above the hysteresis band
func TestDecide_HotChamber_Cools(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()

	// Act
	d := c.Decide(now, 28.0, 18.0)

	// Assert
	assert.Equal(t, ModeCooling, d.Mode)
	assert.True(t, d.CoolerOn)
	assert.False(t, d.HeaterOn)
}

// TestDecide_InsideBand_Idle tests that no transition fires inside the band
func TestDecide_InsideBand_Idle(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()

	// Act
	d := c.Decide(now, 20.1, 20.0)

	// Assert
	assert.Equal(t, ModeIdle, d.Mode)
	assert.False(t, d.HeaterOn)
	assert.False(t, d.CoolerOn)
}

// TestDecide_InsideBand_HoldsActiveMode tests hysteresis holding: a running
// heater is not dropped the moment the band is re-entered
func TestDecide_InsideBand_HoldsActiveMode(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()
	c.Confirm(Heater, true, now.Add(-time.Hour))

	// Act
	d := c.Decide(now, 19.9, 18.0)

	// Assert
	assert.Equal(t, ModeHeating, d.Mode)
}

// TestDecide_NeverBothOn tests mutual exclusion across a sweep of
// temperatures and cached states
func TestDecide_NeverBothOn(t *testing.T) {
	// Arrange
	now := time.Now()

	for _, heaterOn := range []bool{false, true} {
		for _, coolerOn := range []bool{false, true} {
			for temp := 10.0; temp <= 30.0; temp += 2.5 {
				c := testController(t)
				if heaterOn && coolerOn {
					continue // not a reachable cached state
				}
				c.SyncActuatorState(heaterOn, coolerOn)

				// Act
				d := c.Decide(now, temp, 18.0)

				// Assert
				assert.False(t, d.HeaterOn && d.CoolerOn,
					"both on at temp=%.1f heater=%v cooler=%v", temp, heaterOn, coolerOn)
			}
		}
	}
}

// TestDecide_MinCycle_SuppressesFlip tests short-cycle protection: a heater
// that just turned on stays on even when cooling is demanded, and the
// cooler waits rather than violating mutual exclusion
func TestDecide_MinCycle_SuppressesFlip(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()
	c.Confirm(Heater, true, now.Add(-30*time.Second))

	// Act - chamber suddenly reads hot
	d := c.Decide(now, 25.0, 18.0)

	// Assert - flip suppressed, newcomer waits
	assert.True(t, d.HeaterOn)
	assert.False(t, d.CoolerOn)
}

// TestDecide_MinCycle_TrajectoryMatchesCommand tests that when the cycle
// guard pins the heater on against a cooling plan, the reported trajectory
// predicts the pinned heater, not the rejected plan
func TestDecide_MinCycle_TrajectoryMatchesCommand(t *testing.T) {
	// Arrange - heater just turned on, chamber reads hot
	c := testController(t)
	now := time.Now()
	c.Confirm(Heater, true, now.Add(-30*time.Second))

	// Act
	d := c.Decide(now, 28.0, 18.0)

	// Assert - the commanded first step is heating, so the first predicted
	// point must rise above the current reading
	require.True(t, d.HeaterOn)
	require.False(t, d.CoolerOn)
	require.NotEmpty(t, d.Trajectory)
	assert.Greater(t, d.Trajectory[0], 28.0)
}

// TestDecide_Override_TrajectoryMatchesCommand tests that a forced-off
// heater override is reflected in the reported trajectory
func TestDecide_Override_TrajectoryMatchesCommand(t *testing.T) {
	// Arrange - cold chamber, but the operator forces the heater off
	c := testController(t)
	now := time.Now()
	require.NoError(t, c.SetOverride(Heater, false, time.Hour, now))

	// Act
	d := c.Decide(now, 12.0, 18.0)

	// Assert - first step is idle, so the chamber only drifts toward ambient
	require.False(t, d.HeaterOn)
	require.NotEmpty(t, d.Trajectory)
	assert.Less(t, d.Trajectory[0], 12.3)
	assert.Greater(t, d.Trajectory[0], 12.0)
}

// TestDecide_MinCycleElapsed_AllowsFlip tests that the guard releases after
// the window
func TestDecide_MinCycleElapsed_AllowsFlip(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()
	c.Confirm(Heater, true, now.Add(-10*time.Minute))

	// Act
	d := c.Decide(now, 28.0, 18.0)

	// Assert
	assert.False(t, d.HeaterOn)
	assert.True(t, d.CoolerOn)
}

// TestDecide_Override_BypassesMinCycle tests that a manual override wins
// over the cycle guard
func TestDecide_Override_BypassesMinCycle(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()
	c.Confirm(Heater, true, now.Add(-30*time.Second))
	require.NoError(t, c.SetOverride(Heater, false, time.Hour, now))

	// Act
	d := c.Decide(now, 15.0, 18.0)

	// Assert
	assert.False(t, d.HeaterOn)
}

// TestDecide_Override_ForcesOppositeOff tests mutual exclusion under
// operator intervention
func TestDecide_Override_ForcesOppositeOff(t *testing.T) {
	// Arrange - cold chamber wants heat, operator forces the cooler on
	c := testController(t)
	now := time.Now()
	require.NoError(t, c.SetOverride(Cooler, true, time.Hour, now))

	// Act
	d := c.Decide(now, 15.0, 18.0)

	// Assert
	assert.True(t, d.CoolerOn)
	assert.False(t, d.HeaterOn)
}

// TestDecide_Override_Expires tests that automatic control resumes after
// the override window
func TestDecide_Override_Expires(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()
	require.NoError(t, c.SetOverride(Heater, false, time.Minute, now))

	// Act - one tick inside the window, one after it
	during := c.Decide(now, 12.0, 18.0)
	after := c.Decide(now.Add(2*time.Minute), 12.0, 18.0)

	// Assert
	assert.False(t, during.HeaterOn)
	assert.True(t, after.HeaterOn)
}

// TestSetOverride_NonPositiveDuration_Error tests the override guard
func TestSetOverride_NonPositiveDuration_Error(t *testing.T) {
	// Arrange
	c := testController(t)

	// Act
	err := c.SetOverride(Heater, true, 0, time.Now())

	// Assert
	require.Error(t, err)
}

// TestConfirm_OnlyConfirmedCommandsChangeState tests that failed commands
// leave the cached belief stale so the next tick retries
func TestConfirm_OnlyConfirmedCommandsChangeState(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()

	// Act - a decision alone must not change the cached state
	d := c.Decide(now, 12.0, 18.0)
	require.True(t, d.HeaterOn)

	// Assert
	assert.False(t, c.ActuatorOn(Heater))

	// Act - the host reports the command succeeded
	c.Confirm(Heater, true, now)

	// Assert
	assert.True(t, c.ActuatorOn(Heater))
}

// TestDecide_Heating_ReachesTarget tests the trajectory summary fields
func TestDecide_Heating_ReachesTarget(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()

	// Act - just below the band, heat only has to cover one degree
	d := c.Decide(now, 19.0, 18.0)

	// Assert
	assert.True(t, d.TargetReached)
	assert.Greater(t, d.HoursToTarget, 0.0)
}

// TestObserve_RecentShutoff_UpdatesModel tests the decide/observe learning
// loop end to end
func TestObserve_RecentShutoff_UpdatesModel(t *testing.T) {
	// Arrange - heater ran, then turned off two minutes before the decision
	c := testController(t)
	now := time.Now()
	c.Confirm(Heater, true, now.Add(-10*time.Minute))
	c.Confirm(Heater, false, now.Add(-2*time.Minute))
	before := c.Model()

	c.Decide(now, 19.9, 20.0)
	require.False(t, c.ActuatorOn(Heater)) // still inside the cycle window

	// Act - observed warmer than the model predicted over the next minute
	predicted := before.Step(19.9, 20.0, 0, 0, 2.0/60, -1, 1.0/60)
	c.Observe(now.Add(time.Minute), predicted+0.05)

	// Assert
	assert.Greater(t, c.Model().HeatingOvershootRate, before.HeatingOvershootRate)
}

// TestObserve_WithoutDecision_NoOp tests the learning guard on startup
func TestObserve_WithoutDecision_NoOp(t *testing.T) {
	// Arrange
	c := testController(t)
	before := c.Model()

	// Act
	c.Observe(time.Now(), 25.0)

	// Assert
	assert.Equal(t, before, c.Model())
}

// TestSetTarget_ChangesModeSelection tests retargeting between ticks
func TestSetTarget_ChangesModeSelection(t *testing.T) {
	// Arrange
	c := testController(t)
	now := time.Now()
	require.Equal(t, ModeIdle, c.Decide(now, 20.0, 20.0).Mode)

	// Act
	c.SetTarget(24.0)
	d := c.Decide(now.Add(time.Minute), 20.0, 20.0)

	// Assert
	assert.Equal(t, ModeHeating, d.Mode)
}

// TestSimulate_CoolingShutoff_PredictsDip tests that the planner's forward
// model carries the post-shutoff dip rather than predicting an instant stop
func TestSimulate_CoolingShutoff_PredictsDip(t *testing.T) {
	// Arrange - cooler just went off, chamber already at target
	c := testController(t)
	now := time.Now()
	c.Confirm(Cooler, true, now.Add(-10*time.Minute))
	c.Confirm(Cooler, false, now)

	// Act
	d := c.Decide(now.Add(time.Second), 20.0, 20.0)

	// Assert - the early trajectory dips below the current temperature
	require.NotEmpty(t, d.Trajectory)
	assert.Less(t, d.Trajectory[0], 20.0)
}
