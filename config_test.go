package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig_ValidFile tests loading a valid configuration file
func TestLoadConfig_ValidFile(t *testing.T) {
	// Arrange
	content := `
server:
  metrics_port: 9191
  log_level: debug
mqtt:
  broker: broker.local
  port: 8883
  use_tls: true
  telemetry_topic: cellar/telemetry/#
  actuator_prefix: cellar/actuator
control:
  interval: 30s
  hysteresis: 0.5
  horizon_steps: 12
  step_minutes: 10
  max_rate_per_hour: 0.8
  min_cycle: 10m
thermal:
  heating_rate: 1.5
  cooling_rate: 2.5
  learning_rate: 0.3
batches:
  - id: batch-42
    device_id: tilt-red
    target: 19.5
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	config, err := LoadConfig(tmpFile)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 9191, config.Server.MetricsPort)
	assert.Equal(t, "debug", config.Server.LogLevel)
	assert.Equal(t, "broker.local", config.MQTT.Broker)
	assert.Equal(t, 8883, config.MQTT.Port)
	assert.True(t, config.MQTT.UseTLS)
	assert.Equal(t, "cellar/telemetry/#", config.MQTT.TelemetryTopic)
	assert.Equal(t, 30*time.Second, config.Control.Interval)
	assert.Equal(t, 0.5, config.Control.Hysteresis)
	assert.Equal(t, 12, config.Control.HorizonSteps)
	assert.Equal(t, 10.0, config.Control.StepMinutes)
	assert.Equal(t, 0.8, config.Control.MaxRatePerHour)
	assert.Equal(t, 10*time.Minute, config.Control.MinCycle)
	assert.Equal(t, 1.5, config.Thermal.HeatingRate)
	assert.Equal(t, 2.5, config.Thermal.CoolingRate)
	assert.Equal(t, 0.3, config.Thermal.LearningRate)
	require.Len(t, config.Batches, 1)
	assert.Equal(t, "batch-42", config.Batches[0].ID)
	assert.Equal(t, "tilt-red", config.Batches[0].DeviceID)
	assert.Equal(t, 19.5, config.Batches[0].Target)
}

// TestLoadConfig_InvalidYAML tests loading a file with invalid YAML
func TestLoadConfig_InvalidYAML(t *testing.T) {
	// Arrange
	content := `
server:
  metrics_port: 9090
  invalid yaml here: [unclosed
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	_, err := LoadConfig(tmpFile)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

// TestLoadConfig_MissingFile tests loading a non-existent file
func TestLoadConfig_MissingFile(t *testing.T) {
	// Act
	_, err := LoadConfig("/nonexistent/path/config.yaml")

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

// TestLoadConfig_PartialConfig_UsesDefaults tests partial config with defaults
func TestLoadConfig_PartialConfig_UsesDefaults(t *testing.T) {
	// Arrange - only set a few values
	content := `
mqtt:
  broker: broker.local
batches:
  - id: batch-1
    device_id: tilt-black
    target: 18.0
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	config, err := LoadConfig(tmpFile)

	// Assert
	require.NoError(t, err)
	// Check custom values
	assert.Equal(t, "broker.local", config.MQTT.Broker)
	// Check defaults were applied
	assert.Equal(t, 9090, config.Server.MetricsPort)
	assert.Equal(t, "info", config.Server.LogLevel)
	assert.Equal(t, 1883, config.MQTT.Port)
	assert.Equal(t, "ferment/telemetry/#", config.MQTT.TelemetryTopic)
	assert.Equal(t, 60*time.Second, config.Control.Interval)
	assert.Equal(t, 16, config.Control.HorizonSteps)
	assert.Equal(t, 15.0, config.Control.StepMinutes)
	assert.Equal(t, 5*time.Minute, config.Control.MinCycle)
	assert.Equal(t, 10, config.Prediction.MinPoints)
	assert.Equal(t, 0.002, config.Prediction.CompletionRatePerDay)
	assert.Equal(t, 500, config.Anomaly.HistorySize)
	assert.Equal(t, 0.5, config.Thermal.OvershootDecayHours)
	// Feature flags default to enabled
	require.NotNil(t, config.Features.Filtering)
	assert.True(t, *config.Features.Filtering)
	require.NotNil(t, config.Features.Control)
	assert.True(t, *config.Features.Control)
}

// TestValidate_ZeroHorizon_Error tests that a zero horizon fails fast
func TestValidate_ZeroHorizon_Error(t *testing.T) {
	// Arrange
	content := `
control:
  horizon_steps: -4
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	_, err := LoadConfig(tmpFile)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "horizon_steps")
}

// TestValidate_NegativeMinCycle_Error tests that a negative duration fails fast
func TestValidate_NegativeMinCycle_Error(t *testing.T) {
	// Arrange
	content := `
control:
  min_cycle: -5m
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	_, err := LoadConfig(tmpFile)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_cycle")
}

// TestValidate_InvertedSignalBand_Error tests filter signal bounds
func TestValidate_InvertedSignalBand_Error(t *testing.T) {
	// Arrange
	content := `
filter:
  strong_signal: -100
  weak_signal: -70
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	_, err := LoadConfig(tmpFile)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weak_signal")
}

// TestValidate_InvalidLearningRate_Error tests thermal learning-rate bounds
func TestValidate_InvalidLearningRate_Error(t *testing.T) {
	// Arrange
	content := `
thermal:
  learning_rate: 1.5
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	_, err := LoadConfig(tmpFile)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning_rate")
}

// TestValidate_DuplicateBatchID_Error tests batch uniqueness
func TestValidate_DuplicateBatchID_Error(t *testing.T) {
	// Arrange
	content := `
batches:
  - id: batch-1
    device_id: tilt-red
    target: 19.0
  - id: batch-1
    device_id: tilt-black
    target: 20.0
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	_, err := LoadConfig(tmpFile)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate batch id")
}

// TestValidate_BatchWithoutDevice_Error tests batch completeness
func TestValidate_BatchWithoutDevice_Error(t *testing.T) {
	// Arrange
	content := `
batches:
  - id: batch-1
    target: 19.0
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)

	// Act
	_, err := LoadConfig(tmpFile)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device_id")
}

// TestPipelineConfig_CarriesFeatureFlags tests the library config assembly
func TestPipelineConfig_CarriesFeatureFlags(t *testing.T) {
	// Arrange
	content := `
features:
  filtering: false
  prediction: false
`
	tmpFile := createTempConfig(t, content)
	defer os.Remove(tmpFile)
	config, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	// Act
	pc := config.PipelineConfig()

	// Assert
	assert.False(t, pc.EnableFiltering)
	assert.True(t, pc.EnableAnomaly)
	assert.False(t, pc.EnablePrediction)
	assert.Equal(t, 10, pc.Predictor.MinPoints)
}

// Helper function to create a temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(tmpFile, []byte(strings.TrimSpace(content)), 0644)
	require.NoError(t, err)
	return tmpFile
}
