package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ferment-controller/pipeline"
	"ferment-controller/thermo"
)

var (
	// CLI flags
	configPath = flag.String("config", "/config/config.yaml", "Path to configuration file")
	dryRun     = flag.Bool("dry-run", false, "Run in dry-run mode (no actuator commands)")
	logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error)")
)

// batchControl binds one batch's controller to its sensor device and tracks
// consecutive actuator command failures.
type batchControl struct {
	cfg        BatchConfig
	controller *thermo.Controller
	failures   int
}

const maxActuatorFailures = 5

func main() {
	flag.Parse()

	// Load configuration
	config, err := LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Override log level if specified
	if *logLevel != "" {
		config.Server.LogLevel = *logLevel
	}
	level, err := logrus.ParseLevel(config.Server.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level %q: %v", config.Server.LogLevel, err)
	}
	logrus.SetLevel(level)

	logrus.Infof("Starting fermentation controller (config: %s)", *configPath)

	// Initialize metrics and the broadcast hub
	InitMetrics()
	hub := NewHub()
	if err := StartMetricsServer(config.Server.MetricsPort, hub); err != nil {
		logrus.Fatalf("Failed to start metrics server: %v", err)
	}

	// Sensor fusion pipeline, one state set per device
	pipe := pipeline.New(config.PipelineConfig())

	// MQTT: telemetry in, actuator commands out
	client, err := ConnectMQTT(config.MQTT)
	if err != nil {
		logrus.Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	actuators := NewActuatorClient(client, config.MQTT.ActuatorPrefix)

	collector := NewCollector(client, config.MQTT.TelemetryTopic, pipe, func(result pipeline.Processed) {
		hub.Broadcast(result)
	})
	if err := collector.Start(); err != nil {
		logrus.Fatalf("Failed to start telemetry collector: %v", err)
	}

	// One controller per batch, resynchronized against the physical
	// actuators before the first automatic decision. An external agent could
	// have toggled them while we were down.
	batches := make([]*batchControl, 0, len(config.Batches))
	for _, bc := range config.Batches {
		model := config.ThermalModel()
		controller, err := thermo.NewController(config.ControllerConfig(bc.ID), &model)
		if err != nil {
			logrus.Fatalf("Failed to create controller for batch %s: %v", bc.ID, err)
		}
		if !*dryRun {
			heaterOn, coolerOn, err := actuators.QueryStates(bc.ID, 2*time.Second)
			if err != nil {
				logrus.Warnf("Could not resync actuator state for batch %s: %v", bc.ID, err)
			} else {
				controller.SyncActuatorState(heaterOn, coolerOn)
			}
		}
		batches = append(batches, &batchControl{cfg: bc, controller: controller})
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start control loop in goroutine
	controlDone := make(chan bool)
	stopControl := make(chan struct{})
	go func() {
		runControlLoop(config, pipe, batches, actuators, stopControl)
		controlDone <- true
	}()

	// Wait for shutdown signal
	<-sigChan
	logrus.Info("Received shutdown signal, forcing actuators off...")
	close(stopControl)

	// Safety shutdown: both actuators off for every batch
	if !*dryRun {
		for _, b := range batches {
			for _, act := range []thermo.Actuator{thermo.Heater, thermo.Cooler} {
				if err := actuators.Command(b.cfg.ID, act, false); err != nil {
					logrus.Warnf("Failed to force %s off for batch %s during shutdown: %v", act, b.cfg.ID, err)
				}
			}
		}
	}

	<-controlDone
	collector.Stop()
	hub.Close()
	client.Disconnect(250)
	logrus.Info("Fermentation controller stopped")
}

// runControlLoop executes the fixed-cadence control tick for all batches
// until stopped. Batches share no mutable state, so they are evaluated
// concurrently.
func runControlLoop(config *Config, pipe *pipeline.Pipeline, batches []*batchControl, actuators *ActuatorClient, stop <-chan struct{}) {
	if !*config.Features.Control {
		logrus.Info("Control loop disabled by configuration")
		return
	}
	logrus.Infof("Starting control loop (%d batches, interval: %v)", len(batches), config.Control.Interval)

	ticker := time.NewTicker(config.Control.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		var wg sync.WaitGroup
		for _, b := range batches {
			wg.Add(1)
			go func(b *batchControl) {
				defer wg.Done()
				controlTick(config, pipe, b, actuators)
			}(b)
		}
		wg.Wait()
	}
}

// controlTick runs one decision cycle for one batch.
func controlTick(config *Config, pipe *pipeline.Pipeline, b *batchControl, actuators *ActuatorClient) {
	tickStart := time.Now()

	est, err := pipe.State(b.cfg.DeviceID)
	if err != nil {
		// No sample yet from this batch's sensor; nothing to control.
		logrus.Debugf("Batch %s: %v", b.cfg.ID, err)
		return
	}

	// Feed the previous cycle's outcome back into the thermal model before
	// deciding again.
	b.controller.Observe(tickStart, est.Temperature)

	decision := b.controller.Decide(tickStart, est.Temperature, config.Thermal.AmbientDefault)

	applyDecision(b, decision, actuators, tickStart)

	UpdateControlMetrics(b.cfg.ID, decision, time.Since(tickStart))

	logrus.WithFields(logrus.Fields{
		"batch":  b.cfg.ID,
		"temp":   est.Temperature,
		"mode":   decision.Mode,
		"heater": decision.HeaterOn,
		"cooler": decision.CoolerOn,
	}).Debug("control tick")
}

// applyDecision issues the actuator commands a decision requires, turning
// actuators off before turning any on so mutual exclusion holds at the
// physical layer too. Cached controller state is confirmed only for
// commands that succeeded; failures leave it stale so the next tick
// retries.
func applyDecision(b *batchControl, decision thermo.Decision, actuators *ActuatorClient, now time.Time) {
	type intent struct {
		actuator thermo.Actuator
		on       bool
	}
	intents := []intent{
		{thermo.Heater, decision.HeaterOn},
		{thermo.Cooler, decision.CoolerOn},
	}
	// Offs first.
	for pass := 0; pass < 2; pass++ {
		wantOn := pass == 1
		for _, in := range intents {
			if in.on != wantOn || b.controller.ActuatorOn(in.actuator) == in.on {
				continue
			}
			if *dryRun {
				b.controller.Confirm(in.actuator, in.on, now)
				continue
			}
			if err := actuators.Command(b.cfg.ID, in.actuator, in.on); err != nil {
				b.failures++
				RecordError("actuator")
				logrus.Errorf("Actuator command failed for batch %s (attempt %d/%d): %v",
					b.cfg.ID, b.failures, maxActuatorFailures, err)

				// Repeated failures: stop trusting the bridge and try to
				// force everything off.
				if b.failures >= maxActuatorFailures && in.on {
					if err := actuators.Command(b.cfg.ID, in.actuator, false); err != nil {
						logrus.Errorf("Critical: failed to force %s off for batch %s: %v", in.actuator, b.cfg.ID, err)
					}
				}
				continue
			}
			b.failures = 0
			b.controller.Confirm(in.actuator, in.on, now)
		}
	}
}
