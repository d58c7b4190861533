package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ferment-controller/pipeline"
	"ferment-controller/predict"
	"ferment-controller/thermo"
)

// Metrics holds all Prometheus metrics for the fermentation controller
type Metrics struct {
	// Per-device fusion metrics
	GravityFiltered     *prometheus.GaugeVec
	GravityRate         *prometheus.GaugeVec
	TemperatureFiltered *prometheus.GaugeVec
	Confidence          *prometheus.GaugeVec

	// Anomaly metrics
	AnomaliesTotal *prometheus.CounterVec // by device and reason

	// Prediction metrics
	FitQuality      *prometheus.GaugeVec
	PredictedFinal  *prometheus.GaugeVec
	HoursToComplete *prometheus.GaugeVec
	AttenuationPct  *prometheus.GaugeVec

	// Control metrics
	ActuatorState *prometheus.GaugeVec // by batch and actuator (1=on)
	HoursToTarget *prometheus.GaugeVec
	ControlMode   *prometheus.GaugeVec // by batch and mode

	// System metrics
	ErrorsTotal  *prometheus.CounterVec
	LoopDuration prometheus.Histogram
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

var (
	// Global metrics instance
	metrics *Metrics

	// Start time for uptime calculation
	startTime time.Time
)

// InitMetrics initializes all Prometheus metrics
func InitMetrics() *Metrics {
	startTime = time.Now()

	metrics = &Metrics{
		GravityFiltered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_gravity_filtered",
				Help: "Filtered specific gravity",
			},
			[]string{"device"},
		),
		GravityRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_gravity_rate_per_hour",
				Help: "Filtered gravity rate of change per hour",
			},
			[]string{"device"},
		),
		TemperatureFiltered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_temperature_filtered_celsius",
				Help: "Filtered batch temperature in Celsius",
			},
			[]string{"device"},
		),
		Confidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_estimate_confidence",
				Help: "Filter confidence in the gravity estimate (0-1)",
			},
			[]string{"device"},
		),
		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferment_anomalies_total",
				Help: "Total anomalous samples by device and reason",
			},
			[]string{"device", "reason"},
		),
		FitQuality: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_fit_quality",
				Help: "Coefficient of determination of the decay-curve fit",
			},
			[]string{"device"},
		),
		PredictedFinal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_predicted_final_gravity",
				Help: "Predicted final specific gravity",
			},
			[]string{"device"},
		),
		HoursToComplete: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_hours_to_complete",
				Help: "Predicted hours until fermentation completion",
			},
			[]string{"device"},
		),
		AttenuationPct: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_attenuation_percent",
				Help: "Predicted apparent attenuation percentage",
			},
			[]string{"device"},
		),
		ActuatorState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_actuator_state",
				Help: "Actuator state (1=on, 0=off)",
			},
			[]string{"batch", "actuator"},
		),
		HoursToTarget: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_hours_to_target",
				Help: "Predicted hours until temperature reaches target",
			},
			[]string{"batch"},
		),
		ControlMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ferment_control_mode",
				Help: "Controller mode flag (1 for the active mode)",
			},
			[]string{"batch", "mode"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferment_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		LoopDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ferment_control_loop_duration_seconds",
				Help:    "Control loop execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		metrics.GravityFiltered,
		metrics.GravityRate,
		metrics.TemperatureFiltered,
		metrics.Confidence,
		metrics.AnomaliesTotal,
		metrics.FitQuality,
		metrics.PredictedFinal,
		metrics.HoursToComplete,
		metrics.AttenuationPct,
		metrics.ActuatorState,
		metrics.HoursToTarget,
		metrics.ControlMode,
		metrics.ErrorsTotal,
		metrics.LoopDuration,
	)

	return metrics
}

// StartMetricsServer starts the HTTP server for Prometheus metrics and the
// websocket broadcast endpoint
func StartMetricsServer(port int, hub *Hub) error {
	// Health check endpoint
	http.HandleFunc("/health", healthHandler)

	// Prometheus metrics endpoint
	http.Handle("/metrics", promhttp.Handler())

	// Live processed-result feed
	if hub != nil {
		http.HandleFunc("/ws", hub.ServeWS)
	}

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%d", port)
		logrus.Infof("Starting metrics server on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			logrus.Errorf("Metrics server error: %v", err)
		}
	}()

	return nil
}

// healthHandler provides a health check endpoint
func healthHandler(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    uptime.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logrus.Errorf("Failed to encode health response: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// UpdateSampleMetrics records one processed sample
func UpdateSampleMetrics(result pipeline.Processed) {
	metrics.GravityFiltered.WithLabelValues(result.DeviceID).Set(result.GravityFiltered)
	metrics.GravityRate.WithLabelValues(result.DeviceID).Set(result.GravityRate)
	metrics.TemperatureFiltered.WithLabelValues(result.DeviceID).Set(result.TemperatureFiltered)
	metrics.Confidence.WithLabelValues(result.DeviceID).Set(result.Confidence)

	for _, reason := range result.AnomalyReasons {
		metrics.AnomaliesTotal.WithLabelValues(result.DeviceID, string(reason)).Inc()
	}
}

// UpdatePredictionMetrics records the current completion prediction
func UpdatePredictionMetrics(deviceID string, c *predict.Completion) {
	if c == nil || c.Degenerate {
		return
	}
	metrics.FitQuality.WithLabelValues(deviceID).Set(c.FitQuality)
	metrics.PredictedFinal.WithLabelValues(deviceID).Set(c.PredictedFinalGravity)
	metrics.HoursToComplete.WithLabelValues(deviceID).Set(c.HoursToComplete)
	metrics.AttenuationPct.WithLabelValues(deviceID).Set(c.AttenuationPercent)
}

// UpdateControlMetrics records one control tick's decision
func UpdateControlMetrics(batchID string, decision thermo.Decision, loopDuration time.Duration) {
	metrics.ActuatorState.WithLabelValues(batchID, string(thermo.Heater)).Set(boolGauge(decision.HeaterOn))
	metrics.ActuatorState.WithLabelValues(batchID, string(thermo.Cooler)).Set(boolGauge(decision.CoolerOn))

	for _, mode := range []thermo.Mode{thermo.ModeHeating, thermo.ModeCooling, thermo.ModeIdle} {
		metrics.ControlMode.WithLabelValues(batchID, string(mode)).Set(boolGauge(decision.Mode == mode))
	}

	if decision.TargetReached {
		metrics.HoursToTarget.WithLabelValues(batchID).Set(decision.HoursToTarget)
	}

	metrics.LoopDuration.Observe(loopDuration.Seconds())
}

// RecordError increments the error counter for the specified type
func RecordError(errorType string) {
	metrics.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return metrics
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
