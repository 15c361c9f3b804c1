package outage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ReadingsHandler receives a decoded batch of device readings
type ReadingsHandler func(readings []DeviceReading)

// EventsHandler receives a decoded batch of power events
type EventsHandler func(events []PowerEvent)

// MQTTClient manages the MQTT connection and the ingest subscriptions for
// the device readings and power event feeds.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	onReadings  ReadingsHandler
	onEvents    EventsHandler
	isConnected bool
	stopped     bool
	mu          sync.RWMutex
}

// InitMQTT creates an MQTT client from the configuration and starts
// connecting in the background. If no broker is configured, MQTT is
// disabled and this returns nil.
func InitMQTT(config *Config, onReadings ReadingsHandler, onEvents EventsHandler) (*MQTTClient, error) {
	if config == nil || config.MQTT.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config.MQTT.ReadingsTopic == "" || config.MQTT.EventsTopic == "" {
		return nil, fmt.Errorf("MQTT enabled but readings or events topic missing")
	}

	client := &MQTTClient{
		config:     config,
		onReadings: onReadings,
		onEvents:   onEvents,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "outagemesh"
	}
	opts.SetClientID(clientID)

	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(true)  // Readings must apply in arrival order

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for !c.isStopped() {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to both feeds whenever the connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to feed topics...")
	c.setConnected(true)

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{c.config.MQTT.ReadingsTopic, c.createReadingsHandler()},
		{c.config.MQTT.EventsTopic, c.createEventsHandler()},
	}
	for _, s := range subs {
		log.Printf("Subscribing to %s", s.topic)
		token := client.Subscribe(s.topic, 1, s.handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", s.topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to %s", s.topic)
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createReadingsHandler decodes reading payloads. Malformed payloads are
// routine feed noise: they are logged, counted and dropped.
func (c *MQTTClient) createReadingsHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		readings, err := DecodeReadings(msg.Payload())
		if err != nil {
			IngestMessages.WithLabelValues("readings", "error").Inc()
			log.Printf("Error decoding readings (topic: %s, size: %d bytes): %v",
				msg.Topic(), len(msg.Payload()), err)
			return
		}
		IngestMessages.WithLabelValues("readings", "ok").Inc()
		if c.onReadings != nil {
			c.onReadings(readings)
		}
	}
}

// createEventsHandler decodes power event payloads
func (c *MQTTClient) createEventsHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		events, err := DecodeEvents(msg.Payload())
		if err != nil {
			IngestMessages.WithLabelValues("events", "error").Inc()
			log.Printf("Error decoding events (topic: %s, size: %d bytes): %v",
				msg.Topic(), len(msg.Payload()), err)
			return
		}
		IngestMessages.WithLabelValues("events", "ok").Inc()
		if c.onEvents != nil {
			c.onEvents(events)
		}
	}
}

// DecodeReadings parses a payload holding either one reading object or an
// array of readings.
func DecodeReadings(payload []byte) ([]DeviceReading, error) {
	var out []DeviceReading
	if err := decodeOneOrMany(payload, &out); err != nil {
		return nil, fmt.Errorf("decode readings: %w", err)
	}
	return out, nil
}

// DecodeEvents parses a payload holding either one event object or an array
// of events.
func DecodeEvents(payload []byte) ([]PowerEvent, error) {
	var out []PowerEvent
	if err := decodeOneOrMany(payload, &out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return out, nil
}

func decodeOneOrMany[T any](payload []byte, out *[]T) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty payload")
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*out = []T{one}
	return nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

func (c *MQTTClient) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// Disconnect stops reconnect attempts and closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, onReadings ReadingsHandler, onEvents EventsHandler) *MQTTClient {
	return &MQTTClient{
		client:     client,
		config:     config,
		onReadings: onReadings,
		onEvents:   onEvents,
	}
}
