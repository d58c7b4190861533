package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ferment-controller/anomaly"
	"ferment-controller/fusion"
	"ferment-controller/pipeline"
	"ferment-controller/predict"
	"ferment-controller/thermo"
)

// Config represents the complete configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Features   FeatureConfig    `yaml:"features"`
	Filter     FilterConfig     `yaml:"filter"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Prediction PredictionConfig `yaml:"prediction"`
	Control    ControlConfig    `yaml:"control"`
	Thermal    ThermalConfig    `yaml:"thermal"`
	Batches    []BatchConfig    `yaml:"batches"`
}

// ServerConfig contains server-related settings
type ServerConfig struct {
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

// MQTTConfig contains broker connection and topic settings
type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	UseTLS         bool   `yaml:"use_tls"`
	TelemetryTopic string `yaml:"telemetry_topic"` // inbound sensor samples
	ActuatorPrefix string `yaml:"actuator_prefix"` // outbound command/state topics
}

// FeatureConfig enables or disables pipeline stages. Omitted flags default
// to enabled.
type FeatureConfig struct {
	Filtering  *bool `yaml:"filtering"`
	Anomaly    *bool `yaml:"anomaly"`
	Prediction *bool `yaml:"prediction"`
	Control    *bool `yaml:"control"`
}

// FilterConfig contains the state-estimator noise parameters
type FilterConfig struct {
	ProcessNoiseGravity     float64 `yaml:"process_noise_gravity"`
	ProcessNoiseTemperature float64 `yaml:"process_noise_temperature"`
	MeasurementNoiseGravity float64 `yaml:"measurement_noise_gravity"`
	MeasurementNoiseTemp    float64 `yaml:"measurement_noise_temperature"`
	StrongSignal            float64 `yaml:"strong_signal"`
	WeakSignal              float64 `yaml:"weak_signal"`
	MaxNoiseMultiplier      float64 `yaml:"max_noise_multiplier"`
	ConfidenceStd           float64 `yaml:"confidence_std"`
}

// AnomalyConfig contains detector thresholds and history sizing
type AnomalyConfig struct {
	MaxGravityRise  float64 `yaml:"max_gravity_rise"`
	SignalFloor     float64 `yaml:"signal_floor"`
	HistorySize     int     `yaml:"history_size"`
	MinTrainSize    int     `yaml:"min_train_size"`
	RetrainEvery    int     `yaml:"retrain_every"`
	OutlierDistance float64 `yaml:"outlier_distance"`
}

// PredictionConfig contains curve-fit settings
type PredictionConfig struct {
	MinPoints            int     `yaml:"min_points"`
	RefitEvery           int     `yaml:"refit_every"`
	CompletionRatePerDay float64 `yaml:"completion_rate_per_day"`
}

// ControlConfig contains the predictive controller tuning
type ControlConfig struct {
	Interval        time.Duration `yaml:"interval"`          // control tick cadence
	Hysteresis      float64       `yaml:"hysteresis"`        // half-band around target
	HorizonSteps    int           `yaml:"horizon_steps"`     // simulation steps per decision
	StepMinutes     float64       `yaml:"step_minutes"`      // minutes per simulation step
	MaxRatePerHour  float64       `yaml:"max_rate_per_hour"` // thermal shock limit
	RateWeight      float64       `yaml:"rate_weight"`
	EnergyWeight    float64       `yaml:"energy_weight"`
	TargetTolerance float64       `yaml:"target_tolerance"`
	MinCycle        time.Duration `yaml:"min_cycle"` // relay/compressor protection
	MaxIterations   int           `yaml:"max_iterations"`
}

// ThermalConfig contains the chamber model initial coefficients
type ThermalConfig struct {
	HeatingRate          float64 `yaml:"heating_rate"`
	CoolingRate          float64 `yaml:"cooling_rate"`
	AmbientLossRate      float64 `yaml:"ambient_loss_rate"`
	HeatingOvershootRate float64 `yaml:"heating_overshoot_rate"`
	CoolingOvershootRate float64 `yaml:"cooling_overshoot_rate"`
	OvershootDecayHours  float64 `yaml:"overshoot_decay_hours"`
	LearningRate         float64 `yaml:"learning_rate"`
	AmbientDefault       float64 `yaml:"ambient_default"` // used until an ambient sensor reports
}

// BatchConfig binds one fermenting batch to its sensor device and setpoint
type BatchConfig struct {
	ID       string  `yaml:"id"`
	DeviceID string  `yaml:"device_id"`
	Target   float64 `yaml:"target"`
}

// LoadConfig loads and parses the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Set defaults for any missing values
	setDefaults(&config)

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for any missing configuration fields
func setDefaults(config *Config) {
	if config.Server.MetricsPort == 0 {
		config.Server.MetricsPort = 9090
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = "info"
	}
	if config.MQTT.Broker == "" {
		config.MQTT.Broker = "localhost"
	}
	if config.MQTT.Port == 0 {
		config.MQTT.Port = 1883
	}
	if config.MQTT.TelemetryTopic == "" {
		config.MQTT.TelemetryTopic = "ferment/telemetry/#"
	}
	if config.MQTT.ActuatorPrefix == "" {
		config.MQTT.ActuatorPrefix = "ferment/actuator"
	}

	enabled := true
	if config.Features.Filtering == nil {
		config.Features.Filtering = &enabled
	}
	if config.Features.Anomaly == nil {
		config.Features.Anomaly = &enabled
	}
	if config.Features.Prediction == nil {
		config.Features.Prediction = &enabled
	}
	if config.Features.Control == nil {
		config.Features.Control = &enabled
	}

	filterDef := fusion.DefaultConfig()
	if config.Filter.ProcessNoiseGravity == 0 {
		config.Filter.ProcessNoiseGravity = filterDef.ProcessNoiseGravity
	}
	if config.Filter.ProcessNoiseTemperature == 0 {
		config.Filter.ProcessNoiseTemperature = filterDef.ProcessNoiseTemperature
	}
	if config.Filter.MeasurementNoiseGravity == 0 {
		config.Filter.MeasurementNoiseGravity = filterDef.MeasurementNoiseGravity
	}
	if config.Filter.MeasurementNoiseTemp == 0 {
		config.Filter.MeasurementNoiseTemp = filterDef.MeasurementNoiseTemperature
	}
	if config.Filter.StrongSignal == 0 {
		config.Filter.StrongSignal = filterDef.StrongSignal
	}
	if config.Filter.WeakSignal == 0 {
		config.Filter.WeakSignal = filterDef.WeakSignal
	}
	if config.Filter.MaxNoiseMultiplier == 0 {
		config.Filter.MaxNoiseMultiplier = filterDef.MaxNoiseMultiplier
	}
	if config.Filter.ConfidenceStd == 0 {
		config.Filter.ConfidenceStd = filterDef.ConfidenceStd
	}

	anomalyDef := anomaly.DefaultConfig()
	if config.Anomaly.MaxGravityRise == 0 {
		config.Anomaly.MaxGravityRise = anomalyDef.MaxGravityRise
	}
	if config.Anomaly.SignalFloor == 0 {
		config.Anomaly.SignalFloor = anomalyDef.SignalFloor
	}
	if config.Anomaly.HistorySize == 0 {
		config.Anomaly.HistorySize = anomalyDef.HistorySize
	}
	if config.Anomaly.MinTrainSize == 0 {
		config.Anomaly.MinTrainSize = anomalyDef.MinTrainSize
	}
	if config.Anomaly.RetrainEvery == 0 {
		config.Anomaly.RetrainEvery = anomalyDef.RetrainEvery
	}
	if config.Anomaly.OutlierDistance == 0 {
		config.Anomaly.OutlierDistance = anomalyDef.OutlierDistance
	}

	predictDef := predict.DefaultConfig()
	if config.Prediction.MinPoints == 0 {
		config.Prediction.MinPoints = predictDef.MinPoints
	}
	if config.Prediction.RefitEvery == 0 {
		config.Prediction.RefitEvery = 6
	}
	if config.Prediction.CompletionRatePerDay == 0 {
		config.Prediction.CompletionRatePerDay = 0.002
	}

	controlDef := thermo.DefaultConfig()
	if config.Control.Interval == 0 {
		config.Control.Interval = 60 * time.Second
	}
	if config.Control.Hysteresis == 0 {
		config.Control.Hysteresis = controlDef.Hysteresis
	}
	if config.Control.HorizonSteps == 0 {
		config.Control.HorizonSteps = controlDef.HorizonSteps
	}
	if config.Control.StepMinutes == 0 {
		config.Control.StepMinutes = controlDef.StepMinutes
	}
	if config.Control.MaxRatePerHour == 0 {
		config.Control.MaxRatePerHour = controlDef.MaxRatePerHour
	}
	if config.Control.RateWeight == 0 {
		config.Control.RateWeight = controlDef.RateWeight
	}
	if config.Control.EnergyWeight == 0 {
		config.Control.EnergyWeight = controlDef.EnergyWeight
	}
	if config.Control.TargetTolerance == 0 {
		config.Control.TargetTolerance = controlDef.TargetTolerance
	}
	if config.Control.MinCycle == 0 {
		config.Control.MinCycle = controlDef.MinCycle
	}
	if config.Control.MaxIterations == 0 {
		config.Control.MaxIterations = controlDef.MaxIterations
	}

	thermalDef := thermo.DefaultModel()
	if config.Thermal.HeatingRate == 0 {
		config.Thermal.HeatingRate = thermalDef.HeatingRate
	}
	if config.Thermal.CoolingRate == 0 {
		config.Thermal.CoolingRate = thermalDef.CoolingRate
	}
	if config.Thermal.AmbientLossRate == 0 {
		config.Thermal.AmbientLossRate = thermalDef.AmbientLossRate
	}
	if config.Thermal.HeatingOvershootRate == 0 {
		config.Thermal.HeatingOvershootRate = thermalDef.HeatingOvershootRate
	}
	if config.Thermal.CoolingOvershootRate == 0 {
		config.Thermal.CoolingOvershootRate = thermalDef.CoolingOvershootRate
	}
	if config.Thermal.OvershootDecayHours == 0 {
		config.Thermal.OvershootDecayHours = thermalDef.OvershootDecayHours
	}
	if config.Thermal.LearningRate == 0 {
		config.Thermal.LearningRate = thermalDef.LearningRate
	}
	if config.Thermal.AmbientDefault == 0 {
		config.Thermal.AmbientDefault = 20.0
	}
}

// Validate checks all configuration values for logical consistency
func (c *Config) Validate() error {
	// Server validation
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be between 1-65535, got %d", c.Server.MetricsPort)
	}
	if c.Server.LogLevel != "debug" && c.Server.LogLevel != "info" &&
		c.Server.LogLevel != "warn" && c.Server.LogLevel != "error" {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error, got %s", c.Server.LogLevel)
	}

	// MQTT validation
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port must be between 1-65535, got %d", c.MQTT.Port)
	}

	// Filter validation
	if c.Filter.MaxNoiseMultiplier < 1 {
		return fmt.Errorf("max_noise_multiplier must be at least 1, got %.2f", c.Filter.MaxNoiseMultiplier)
	}
	if c.Filter.WeakSignal >= c.Filter.StrongSignal {
		return fmt.Errorf("weak_signal (%.1f) must be below strong_signal (%.1f)",
			c.Filter.WeakSignal, c.Filter.StrongSignal)
	}
	if c.Filter.ConfidenceStd <= 0 {
		return fmt.Errorf("confidence_std must be positive, got %g", c.Filter.ConfidenceStd)
	}

	// Anomaly validation
	if c.Anomaly.MaxGravityRise <= 0 {
		return fmt.Errorf("max_gravity_rise must be positive, got %g", c.Anomaly.MaxGravityRise)
	}
	if c.Anomaly.MinTrainSize > c.Anomaly.HistorySize {
		return fmt.Errorf("min_train_size (%d) must not exceed history_size (%d)",
			c.Anomaly.MinTrainSize, c.Anomaly.HistorySize)
	}
	if c.Anomaly.OutlierDistance <= 0 {
		return fmt.Errorf("outlier_distance must be positive, got %g", c.Anomaly.OutlierDistance)
	}

	// Prediction validation
	if c.Prediction.MinPoints < 3 {
		return fmt.Errorf("min_points must be at least 3, got %d", c.Prediction.MinPoints)
	}
	if c.Prediction.CompletionRatePerDay <= 0 {
		return fmt.Errorf("completion_rate_per_day must be positive, got %g", c.Prediction.CompletionRatePerDay)
	}

	// Control validation: invalid values fail here rather than being
	// silently clamped later.
	if c.Control.Interval <= 0 {
		return fmt.Errorf("control interval must be positive, got %v", c.Control.Interval)
	}
	if err := c.ControllerConfig("").Validate(); err != nil {
		return fmt.Errorf("control: %w", err)
	}

	// Thermal validation
	if c.Thermal.HeatingRate <= 0 || c.Thermal.CoolingRate <= 0 {
		return fmt.Errorf("heating_rate and cooling_rate must be positive")
	}
	if c.Thermal.OvershootDecayHours <= 0 {
		return fmt.Errorf("overshoot_decay_hours must be positive, got %g", c.Thermal.OvershootDecayHours)
	}
	if c.Thermal.LearningRate <= 0 || c.Thermal.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0, 1], got %g", c.Thermal.LearningRate)
	}

	// Batch validation
	seen := make(map[string]bool)
	for _, b := range c.Batches {
		if b.ID == "" || b.DeviceID == "" {
			return fmt.Errorf("every batch needs an id and a device_id")
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate batch id %q", b.ID)
		}
		seen[b.ID] = true
	}

	return nil
}

// PipelineConfig assembles the library pipeline configuration from the file
// values.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Estimator: fusion.Config{
			ProcessNoiseGravity:         c.Filter.ProcessNoiseGravity,
			ProcessNoiseTemperature:     c.Filter.ProcessNoiseTemperature,
			MeasurementNoiseGravity:     c.Filter.MeasurementNoiseGravity,
			MeasurementNoiseTemperature: c.Filter.MeasurementNoiseTemp,
			StrongSignal:                c.Filter.StrongSignal,
			WeakSignal:                  c.Filter.WeakSignal,
			MaxNoiseMultiplier:          c.Filter.MaxNoiseMultiplier,
			ConfidenceStd:               c.Filter.ConfidenceStd,
		},
		Detector: anomaly.Config{
			MaxGravityRise:  c.Anomaly.MaxGravityRise,
			SignalFloor:     c.Anomaly.SignalFloor,
			HistorySize:     c.Anomaly.HistorySize,
			MinTrainSize:    c.Anomaly.MinTrainSize,
			RetrainEvery:    c.Anomaly.RetrainEvery,
			OutlierDistance: c.Anomaly.OutlierDistance,
		},
		Predictor: predict.Config{
			MinPoints: c.Prediction.MinPoints,
		},
		EnableFiltering:      *c.Features.Filtering,
		EnableAnomaly:        *c.Features.Anomaly,
		EnablePrediction:     *c.Features.Prediction,
		RefitEvery:           c.Prediction.RefitEvery,
		CompletionRatePerDay: c.Prediction.CompletionRatePerDay,
	}
}

// ControllerConfig builds the thermo controller configuration for one batch.
func (c *Config) ControllerConfig(batchID string) thermo.Config {
	target := 0.0
	for _, b := range c.Batches {
		if b.ID == batchID {
			target = b.Target
		}
	}
	return thermo.Config{
		BatchID:         batchID,
		Target:          target,
		Hysteresis:      c.Control.Hysteresis,
		HorizonSteps:    c.Control.HorizonSteps,
		StepMinutes:     c.Control.StepMinutes,
		MaxRatePerHour:  c.Control.MaxRatePerHour,
		RateWeight:      c.Control.RateWeight,
		EnergyWeight:    c.Control.EnergyWeight,
		TargetTolerance: c.Control.TargetTolerance,
		MinCycle:        c.Control.MinCycle,
		MaxIterations:   c.Control.MaxIterations,
	}
}

// ThermalModel builds the initial chamber model from the file values.
func (c *Config) ThermalModel() thermo.Model {
	return thermo.Model{
		HeatingRate:          c.Thermal.HeatingRate,
		CoolingRate:          c.Thermal.CoolingRate,
		AmbientLossRate:      c.Thermal.AmbientLossRate,
		HeatingOvershootRate: c.Thermal.HeatingOvershootRate,
		CoolingOvershootRate: c.Thermal.CoolingOvershootRate,
		OvershootDecayHours:  c.Thermal.OvershootDecayHours,
		LearningRate:         c.Thermal.LearningRate,
	}
}
