package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ferment-controller/thermo"
)

// ActuatorClient publishes heater/cooler commands to the actuation bridge
// and reads back the retained state topics. A command that times out or is
// rejected returns an error; the caller must not confirm the transition so
// the next control tick retries it.
type ActuatorClient struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
}

type actuatorCommand struct {
	State string `json:"state"`
}

// NewActuatorClient creates a client publishing under the given topic
// prefix: <prefix>/<batch>/<actuator>/set for commands and .../state for
// the bridge's retained acknowledgements.
func NewActuatorClient(client mqtt.Client, prefix string) *ActuatorClient {
	return &ActuatorClient{
		client:  client,
		prefix:  strings.TrimRight(prefix, "/"),
		timeout: 10 * time.Second,
	}
}

// Command requests one actuator transition.
func (a *ActuatorClient) Command(batchID string, actuator thermo.Actuator, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	payload, err := json.Marshal(actuatorCommand{State: state})
	if err != nil {
		return fmt.Errorf("encode actuator command: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%s/set", a.prefix, batchID, actuator)
	token := a.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(a.timeout) {
		return fmt.Errorf("actuator command to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("actuator command to %s: %w", topic, err)
	}
	return nil
}

// QueryStates reads the retained state topics for one batch, resolving the
// physical heater/cooler state after a restart. An actuator whose bridge
// never reported is returned as off.
func (a *ActuatorClient) QueryStates(batchID string, wait time.Duration) (heaterOn, coolerOn bool, err error) {
	topic := fmt.Sprintf("%s/%s/+/state", a.prefix, batchID)

	var mu sync.Mutex
	states := make(map[string]bool)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		parts := strings.Split(msg.Topic(), "/")
		if len(parts) < 2 {
			return
		}
		actuator := parts[len(parts)-2]

		var cmd actuatorCommand
		if json.Unmarshal(msg.Payload(), &cmd) != nil {
			return
		}
		mu.Lock()
		states[actuator] = cmd.State == "on"
		mu.Unlock()
	}

	token := a.client.Subscribe(topic, 1, handler)
	if !token.WaitTimeout(a.timeout) || token.Error() != nil {
		return false, false, fmt.Errorf("subscribe to %s failed", topic)
	}
	defer a.client.Unsubscribe(topic).WaitTimeout(a.timeout)

	// Retained messages arrive immediately after subscribing; the wait only
	// bounds how long we give the broker.
	time.Sleep(wait)

	mu.Lock()
	defer mu.Unlock()
	return states[string(thermo.Heater)], states[string(thermo.Cooler)], nil
}
