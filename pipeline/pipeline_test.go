package pipeline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferment-controller/anomaly"
	"ferment-controller/predict"
)

// feedDecay runs a synthetic fermentation through the pipeline at the given
// cadence and returns the arrival time of the last sample.
func feedDecay(t *testing.T, p *Pipeline, deviceID string, n int, cadence time.Duration) time.Time {
	t.Helper()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	at := start
	for i := 0; i < n; i++ {
		hours := at.Sub(start).Hours()
		g := 1.012 + 0.043*math.Exp(-0.02*hours)
		_, err := p.ProcessSampleAt(deviceID, g, 19.5, -62, at)
		require.NoError(t, err)
		at = at.Add(cadence)
	}
	return at.Add(-cadence)
}

// TestProcessSample_RegistersDevice tests lazy registration on first sample
func TestProcessSample_RegistersDevice(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())

	// Act
	out, err := p.ProcessSample("tilt-red", 1.055, 19.5, -60)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "tilt-red", out.DeviceID)
	assert.Contains(t, p.Devices(), "tilt-red")
}

// TestProcessSample_FirstSample_PassesThrough tests filter seeding
func TestProcessSample_FirstSample_PassesThrough(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())

	// Act
	out, err := p.ProcessSample("tilt-red", 1.055, 19.5, -60)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1.055, out.GravityFiltered)
	assert.Equal(t, 19.5, out.TemperatureFiltered)
	assert.Zero(t, out.GravityRate)
}

// TestProcessSample_InvalidSample_Rejected tests the physical validity band
func TestProcessSample_InvalidSample_Rejected(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())

	cases := []struct {
		name        string
		gravity     float64
		temperature float64
	}{
		{"gravity too low", 0.90, 19.5},
		{"gravity too high", 1.35, 19.5},
		{"temperature too low", 1.050, -40},
		{"temperature too high", 1.050, 85},
		{"gravity NaN", math.NaN(), 19.5},
		{"temperature Inf", 1.050, math.Inf(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			_, err := p.ProcessSample("tilt-red", tc.gravity, tc.temperature, -60)

			// Assert
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSample)
		})
	}

	// Rejected samples never register the device
	assert.Empty(t, p.Devices())
}

// TestProcessSample_FilteringDisabled_RawPassthrough tests the feature switch
func TestProcessSample_FilteringDisabled_RawPassthrough(t *testing.T) {
	// Arrange
	cfg := DefaultConfig()
	cfg.EnableFiltering = false
	p := New(cfg)
	at := time.Now()

	// Act
	p.ProcessSampleAt("tilt-red", 1.055, 19.5, -60, at)
	out, err := p.ProcessSampleAt("tilt-red", 1.049, 20.5, -60, at.Add(time.Hour))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1.049, out.GravityFiltered)
	assert.Equal(t, 20.5, out.TemperatureFiltered)
	assert.Zero(t, out.GravityRate)
}

// TestProcessSample_RisingGravity_ExcludedFromPrediction tests that a
// sustained implausible rise is flagged and kept out of the fit history
func TestProcessSample_RisingGravity_ExcludedFromPrediction(t *testing.T) {
	// Arrange - gravity climbing 0.005 SG/h, far past the plausible band
	p := New(DefaultConfig())
	at := time.Now()

	// Act - long enough for the filtered rate to converge on the climb
	var out Processed
	var err error
	for i := 0; i < 40; i++ {
		g := 1.000 + 0.005*float64(i)
		out, err = p.ProcessSampleAt("tilt-red", g, 19.5, -60, at.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	// Assert
	assert.True(t, out.IsAnomaly)
	assert.Contains(t, out.AnomalyReasons, anomaly.ReasonGravityIncreasing)
	assert.False(t, out.UsedForPrediction)
}

// TestProcessSample_WeakSignal_StillUsed tests that weak-signal anomalies
// remain in the prediction history
func TestProcessSample_WeakSignal_StillUsed(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())
	at := time.Now()
	p.ProcessSampleAt("tilt-red", 1.050, 19.5, -60, at)

	// Act
	out, err := p.ProcessSampleAt("tilt-red", 1.0498, 19.5, -99, at.Add(time.Hour))

	// Assert
	require.NoError(t, err)
	assert.True(t, out.IsAnomaly)
	assert.True(t, out.UsedForPrediction)
}

// TestPredictions_AfterEnoughSamples tests the end-to-end fit path
func TestPredictions_AfterEnoughSamples(t *testing.T) {
	// Arrange - two days of clean 2-hour readings
	p := New(DefaultConfig())
	feedDecay(t, p, "tilt-red", 24, 2*time.Hour)

	// Act
	c := p.Predictions("tilt-red")

	// Assert
	require.NotNil(t, c)
	assert.False(t, c.Degenerate)
	assert.Greater(t, c.FitQuality, 0.9)
	assert.InDelta(t, 1.012, c.PredictedFinalGravity, 0.02)
}

// TestPredictions_UnknownDevice_Nil tests the lookup guard
func TestPredictions_UnknownDevice_Nil(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())

	// Act & Assert
	assert.Nil(t, p.Predictions("nobody"))
}

// TestPhase_DerivedFromFit tests the phase query against a fitted device
func TestPhase_DerivedFromFit(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())
	feedDecay(t, p, "tilt-red", 24, 2*time.Hour)

	// Act
	phase := p.Phase("tilt-red")

	// Assert - 48 hours in, the drop is still well underway
	assert.Equal(t, predict.PhaseExponential, phase)
}

// TestState_ReturnsFilteredEstimate tests the controller-facing read path
func TestState_ReturnsFilteredEstimate(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())
	feedDecay(t, p, "tilt-red", 10, 30*time.Minute)

	// Act
	est, err := p.State("tilt-red")

	// Assert
	require.NoError(t, err)
	assert.InDelta(t, 19.5, est.Temperature, 0.5)
	assert.InDelta(t, 1.055, est.Gravity, 0.005)
}

// TestState_UnknownDevice_Error tests the sentinel error
func TestState_UnknownDevice_Error(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())

	// Act
	_, err := p.State("nobody")

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

// TestResetDevice_DiscardsHistory tests preparing a device for a new batch:
// the old fit must not leak into the new fermentation
func TestResetDevice_DiscardsHistory(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())
	feedDecay(t, p, "tilt-red", 24, 2*time.Hour)
	require.NotNil(t, p.Predictions("tilt-red"))

	// Act
	p.ResetDevice("tilt-red", 1.062, 21.0)

	// Assert
	assert.Nil(t, p.Predictions("tilt-red"))
	assert.Equal(t, predict.PhaseUnknown, p.Phase("tilt-red"))
	est, err := p.State("tilt-red")
	require.NoError(t, err)
	assert.Equal(t, 1.062, est.Gravity)
	assert.Contains(t, p.Devices(), "tilt-red")
}

// TestRemoveDevice_DestroysState tests device retirement
func TestRemoveDevice_DestroysState(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())
	p.ProcessSample("tilt-red", 1.050, 19.5, -60)

	// Act
	p.RemoveDevice("tilt-red")

	// Assert
	assert.Empty(t, p.Devices())
	_, err := p.State("tilt-red")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

// TestProcessSample_IndependentDevices tests per-device state isolation
func TestProcessSample_IndependentDevices(t *testing.T) {
	// Arrange
	p := New(DefaultConfig())
	at := time.Now()

	// Act
	p.ProcessSampleAt("tilt-red", 1.055, 19.5, -60, at)
	p.ProcessSampleAt("tilt-black", 1.040, 24.0, -60, at)

	// Assert
	red, err := p.State("tilt-red")
	require.NoError(t, err)
	black, err := p.State("tilt-black")
	require.NoError(t, err)
	assert.Equal(t, 1.055, red.Gravity)
	assert.Equal(t, 1.040, black.Gravity)
}
