package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"ferment-controller/pipeline"
)

// TelemetrySample is the wire format published by the floating sensor
// bridge. Gravity and temperature arrive already calibrated.
type TelemetrySample struct {
	DeviceID    string  `json:"device_id"`
	Gravity     float64 `json:"gravity"`
	Temperature float64 `json:"temperature"`
	RSSI        float64 `json:"rssi"`
}

// ConnectMQTT establishes the shared broker connection used by both the
// telemetry collector and the actuator client.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()

	protocol := "tcp"
	if cfg.UseTLS {
		protocol = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", protocol, cfg.Broker, cfg.Port))
	opts.SetClientID(fmt.Sprintf("ferment-controller-%d", time.Now().Unix()))

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// Collector subscribes to the telemetry topic and routes each decoded sample
// through the pipeline.
type Collector struct {
	client      mqtt.Client
	topic       string
	pipe        *pipeline.Pipeline
	onProcessed func(pipeline.Processed)
	log         logrus.FieldLogger
}

// NewCollector wires the subscriber. onProcessed receives every successfully
// processed sample (for broadcast); it may be nil.
func NewCollector(client mqtt.Client, topic string, pipe *pipeline.Pipeline, onProcessed func(pipeline.Processed)) *Collector {
	return &Collector{
		client:      client,
		topic:       topic,
		pipe:        pipe,
		onProcessed: onProcessed,
		log:         logrus.WithField("component", "collector"),
	}
}

// Start subscribes to the telemetry topic.
func (c *Collector) Start() error {
	token := c.client.Subscribe(c.topic, 1, c.handleMessage)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe to %s timed out", c.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}
	c.log.Infof("Subscribed to %s", c.topic)
	return nil
}

// Stop unsubscribes; the shared client stays connected for the actuator
// side.
func (c *Collector) Stop() {
	c.client.Unsubscribe(c.topic).WaitTimeout(5 * time.Second)
}

func (c *Collector) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var sample TelemetrySample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		c.log.Warnf("Dropping undecodable telemetry on %s: %v", msg.Topic(), err)
		RecordError("decode")
		return
	}
	if sample.DeviceID == "" {
		c.log.Warnf("Dropping telemetry without device_id on %s", msg.Topic())
		RecordError("decode")
		return
	}

	result, err := c.pipe.ProcessSample(sample.DeviceID, sample.Gravity, sample.Temperature, sample.RSSI)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidSample) {
			c.log.WithField("device", sample.DeviceID).Warnf("Rejected sample: %v", err)
			RecordError("invalid_sample")
			return
		}
		c.log.WithField("device", sample.DeviceID).Errorf("Processing failed: %v", err)
		RecordError("pipeline")
		return
	}

	UpdateSampleMetrics(result)
	UpdatePredictionMetrics(sample.DeviceID, c.pipe.Predictions(sample.DeviceID))

	if c.onProcessed != nil {
		c.onProcessed(result)
	}
}
